package signals

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"short-trader/pkg/config"
)

const timestampLayout = "2006/01/02 15:04:05"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// OnSignal consumes one accepted signal. It must not block on exchange
// round-trips; the engine spawns its opening work asynchronously.
type OnSignal func(Signal)

// Watcher polls the signal file, filters fresh rows, marks them read with an
// atomic rewrite, and emits the survivors. Rows are marked BEFORE emission so
// a slow consumer cannot cause double processing.
type Watcher struct {
	cfg       *config.Config
	onSignal  OnSignal
	lastMtime time.Time
	done      chan struct{}
}

// NewWatcher builds a watcher over cfg.Signals.FilePath.
func NewWatcher(cfg *config.Config, onSignal OnSignal) *Watcher {
	return &Watcher{cfg: cfg, onSignal: onSignal, done: make(chan struct{})}
}

// Start runs the poll loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	interval := time.Duration(w.cfg.Signals.PollIntervalSeconds * float64(time.Second))
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log.Printf("signal watcher started: %s (poll every %v)", w.cfg.Signals.FilePath, interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.checkFile(); err != nil {
					log.Printf("signal watcher: %v", err)
				}
			}
		}
	}()
}

// Stop blocks until the poll loop has exited.
func (w *Watcher) Stop() {
	<-w.done
	log.Printf("signal watcher stopped")
}

func (w *Watcher) checkFile() error {
	path := w.cfg.Signals.FilePath
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	// Skip unchanged files.
	if !st.ModTime().After(w.lastMtime) {
		return nil
	}
	w.lastMtime = st.ModTime()

	accepted, updates, err := w.readAndFilter(path)
	if err != nil {
		return err
	}

	// Persist markings before emitting.
	if len(updates) > 0 {
		if err := updateFile(path, updates); err != nil {
			return fmt.Errorf("update signal file: %w", err)
		}
	}

	for _, sig := range accepted {
		w.onSignal(sig)
	}
	return nil
}

type rowKey struct {
	fechaHora string
	pair      string
	top       string
}

// readAndFilter returns the accepted signals and the per-row markings to
// write back ("si" processed, "timeout" expired).
func (w *Watcher) readAndFilter(path string) ([]Signal, map[rowKey]string, error) {
	rows, header, err := readTable(path)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := header["leido"]; !ok {
		return nil, nil, fmt.Errorf("signal file %s has no leido column", path)
	}

	now := time.Now().UTC()
	maxAge := time.Duration(w.cfg.Signals.MaxSignalAgeMinutes * float64(time.Minute))

	var accepted []Signal
	updates := make(map[rowKey]string)

	for _, row := range rows {
		if strings.ToLower(row["leido"]) != "no" {
			continue
		}
		key := rowKey{row["fecha_hora"], row["par"], row["top"]}

		sigTime, err := time.ParseInLocation(timestampLayout, key.fechaHora, time.UTC)
		if err != nil {
			log.Printf("signal: invalid timestamp %q", key.fechaHora)
			updates[key] = "si"
			continue
		}

		if age := now.Sub(sigTime); age > maxAge {
			log.Printf("signal expired (%.1fmin old): %s", age.Minutes(), key.pair)
			updates[key] = "timeout"
			continue
		}

		top, err := strconv.Atoi(key.top)
		if err != nil || top > w.cfg.Strategy.TopN {
			updates[key] = "si"
			continue
		}

		sig, err := parseSignal(row, top, sigTime)
		if err != nil {
			log.Printf("signal parse %s: %v", key.pair, err)
			updates[key] = "si"
			continue
		}

		if reason := w.rejectReason(sig); reason != "" {
			log.Printf("signal %s rejected (%s)", key.pair, reason)
			updates[key] = "si"
			continue
		}

		log.Printf("signal accepted: %s top=%d mom_1h=%.2f%% vol=%.1f Q%d",
			sig.Pair, sig.Top, sig.Mom1hPct, sig.VolRatio, sig.Quintil)
		accepted = append(accepted, sig)
		updates[key] = "si"
	}
	return accepted, updates, nil
}

func parseSignal(row map[string]string, top int, sigTime time.Time) (Signal, error) {
	sig := Signal{
		FechaHora:  row["fecha_hora"],
		Pair:       row["par"],
		Top:        top,
		SignalTime: sigTime,
	}
	if sig.Pair == "" {
		return Signal{}, fmt.Errorf("empty pair")
	}
	fields := []struct {
		name string
		dst  *float64
	}{
		{"close", &sig.Close},
		{"mom_1h_pct", &sig.Mom1hPct},
		{"mom_pct", &sig.MomPct},
		{"vol_ratio", &sig.VolRatio},
		{"trades_ratio", &sig.TradesRatio},
	}
	for _, f := range fields {
		v, err := parseFloatField(row[f.name])
		if err != nil {
			return Signal{}, fmt.Errorf("column %s: %w", f.name, err)
		}
		*f.dst = v
	}
	q, err := parseFloatField(row["quintil"])
	if err != nil {
		return Signal{}, fmt.Errorf("column quintil: %w", err)
	}
	sig.Quintil = int(q)
	return sig, nil
}

func parseFloatField(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// rejectReason applies the configured threshold filters; empty means accepted.
func (w *Watcher) rejectReason(sig Signal) string {
	s := w.cfg.Strategy
	if sig.Mom1hPct < s.MinMomentumPct {
		return fmt.Sprintf("mom_1h_pct=%.2f < %v", sig.Mom1hPct, s.MinMomentumPct)
	}
	if s.MinVolRatio > 0 && sig.VolRatio < s.MinVolRatio {
		return fmt.Sprintf("vol_ratio=%.2f < %v", sig.VolRatio, s.MinVolRatio)
	}
	if s.MinTradesRatio > 0 && sig.TradesRatio < s.MinTradesRatio {
		return fmt.Sprintf("trades_ratio=%.2f < %v", sig.TradesRatio, s.MinTradesRatio)
	}
	if sig.Quintil != 0 && !containsInt(s.AllowedQuintiles, sig.Quintil) {
		return fmt.Sprintf("quintil=%d not in %v", sig.Quintil, s.AllowedQuintiles)
	}
	return ""
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// ----------------------------------------
// File I/O
// ----------------------------------------

// readTable reads the whole file tolerating a UTF-8 BOM and CRLF endings,
// trimming header names, and returning one map per data row.
func readTable(path string) ([]map[string]string, map[string]int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	raw = bytes.TrimPrefix(raw, utf8BOM)
	lines := splitLines(string(raw))
	if len(lines) == 0 {
		return nil, nil, nil
	}

	header := make(map[string]int)
	for i, h := range strings.Split(strings.TrimRight(lines[0], "\r\n"), ",") {
		header[strings.TrimSpace(h)] = i
	}

	var rows []map[string]string
	for _, line := range lines[1:] {
		stripped := strings.TrimRight(line, "\r\n")
		if stripped == "" {
			continue
		}
		parts := strings.Split(stripped, ",")
		row := make(map[string]string, len(header))
		for name, idx := range header {
			if idx < len(parts) {
				row[name] = strings.TrimSpace(parts[idx])
			}
		}
		rows = append(rows, row)
	}
	return rows, header, nil
}

// splitLines keeps the line terminators so the rewrite preserves them.
func splitLines(s string) []string {
	var lines []string
	for len(s) > 0 {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			lines = append(lines, s)
			break
		}
		lines = append(lines, s[:i+1])
		s = s[i+1:]
	}
	return lines
}

// updateFile rewrites the leido column of the marked rows and atomically
// replaces the file (write temp, rename). Line endings and untouched rows
// are preserved byte for byte.
func updateFile(path string, updates map[rowKey]string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	hadBOM := bytes.HasPrefix(raw, utf8BOM)
	raw = bytes.TrimPrefix(raw, utf8BOM)
	lines := splitLines(string(raw))
	if len(lines) == 0 {
		return nil
	}

	headers := strings.Split(strings.TrimRight(lines[0], "\r\n"), ",")
	idx := make(map[string]int)
	for i, h := range headers {
		idx[strings.TrimSpace(h)] = i
	}
	leidoIdx, ok := idx["leido"]
	if !ok {
		return fmt.Errorf("no leido column")
	}

	out := make([]string, 0, len(lines))
	out = append(out, lines[0])
	for _, line := range lines[1:] {
		stripped := strings.TrimRight(line, "\r\n")
		if stripped == "" {
			out = append(out, line)
			continue
		}
		ending := line[len(stripped):]
		parts := strings.Split(stripped, ",")

		key := rowKey{field(parts, idx, "fecha_hora"), field(parts, idx, "par"), field(parts, idx, "top")}
		if mark, ok := updates[key]; ok && leidoIdx < len(parts) {
			parts[leidoIdx] = mark
			out = append(out, strings.Join(parts, ",")+ending)
		} else {
			out = append(out, line)
		}
	}

	var buf bytes.Buffer
	if hadBOM {
		buf.Write(utf8BOM)
	}
	for _, line := range out {
		buf.WriteString(line)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func field(parts []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(parts) {
		return ""
	}
	return strings.TrimSpace(parts[i])
}
