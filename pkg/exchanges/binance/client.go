// Package binance implements the USDT-M futures order gateway: signed REST,
// the conditional (algo) order surface used for server-side TP/SL, and the
// user-data stream.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds Binance USDT-M futures credentials and endpoints.
type Config struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	WSBaseURL  string
	RecvWindow int64 // ms

	// Protection parameters for conditional TP/SL placement.
	TPPct        float64
	SLPct        float64
	TPPriceMatch string // BBO level for TP execution, default OPPONENT
}

var retryStatus = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

const (
	maxRetries  = 3
	backoffBase = 1500 * time.Millisecond
)

// Client handles Binance USDT-M futures.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter

	infoMu    sync.Mutex
	infoCache map[string]SymbolInfo
}

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config) *Client {
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// 2400 weight/min for futures; pace well under it.
		limiter:   rate.NewLimiter(rate.Limit(20), 40),
		infoCache: make(map[string]SymbolInfo),
	}
}

// Close releases the transport.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) sign(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return params
}

func (c *Client) get(ctx context.Context, path string, params url.Values, signed bool) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, params, signed)
}

func (c *Client) post(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, params, true)
}

func (c *Client) delete(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, path, params, true)
}

func (c *Client) put(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodPut, path, params, true)
}

// do sends one request with signing, pacing and transient-error retry.
// Retries cover 429/5xx and transport failures with exponential backoff;
// Binance application errors surface as *APIError without retry.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		reqParams := url.Values{}
		for k, v := range params {
			reqParams[k] = v
		}
		if signed {
			reqParams = c.sign(reqParams)
		}
		encoded := reqParams.Encode()

		var (
			req *http.Request
			err error
		)
		endpoint := c.cfg.BaseURL + path
		switch method {
		case http.MethodPost:
			req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
			if err == nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
		default:
			u := endpoint
			if encoded != "" {
				u += "?" + encoded
			}
			req, err = http.NewRequestWithContext(ctx, method, u, nil)
		}
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

		res, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			sleepBackoff(ctx, attempt)
			continue
		}
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()

		if retryStatus[res.StatusCode] {
			lastErr = fmt.Errorf("binance %s %s status %d", method, path, res.StatusCode)
			sleepBackoff(ctx, attempt)
			continue
		}
		if res.StatusCode >= 400 {
			var payload struct {
				Code int    `json:"code"`
				Msg  string `json:"msg"`
			}
			if err := json.Unmarshal(body, &payload); err != nil || payload.Code == 0 {
				payload.Code = res.StatusCode
				payload.Msg = string(body)
			}
			return nil, &APIError{Code: payload.Code, Message: payload.Msg}
		}
		return body, nil
	}
	return nil, fmt.Errorf("binance %s %s failed after %d attempts: %w", method, path, maxRetries, lastErr)
}

func sleepBackoff(ctx context.Context, attempt int) {
	wait := backoffBase
	for i := 1; i < attempt; i++ {
		wait = wait * 3 / 2
	}
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}
