// Package signals watches the externally produced signal file and emits
// accepted Signal values to the engine.
package signals

import "time"

// Signal is one accepted row of the signal file, immutable once created.
type Signal struct {
	FechaHora   string // source wall-clock string, YYYY/MM/DD HH:MM:SS UTC
	Pair        string
	Top         int
	Close       float64
	Mom1hPct    float64
	MomPct      float64
	VolRatio    float64
	TradesRatio float64
	Quintil     int
	SignalTime  time.Time
}

// Data returns the signal payload embedded into the trade it spawns.
func (s Signal) Data() map[string]any {
	return map[string]any{
		"fecha_hora":   s.FechaHora,
		"pair":         s.Pair,
		"top":          s.Top,
		"close":        s.Close,
		"mom_1h_pct":   s.Mom1hPct,
		"mom_pct":      s.MomPct,
		"vol_ratio":    s.VolRatio,
		"trades_ratio": s.TradesRatio,
		"quintil":      s.Quintil,
	}
}
