// Package alert pages the clinical response team when AKI is predicted.
package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/minasoft/aki-detector/internal/metrics"
	"github.com/minasoft/aki-detector/internal/retry"
)

const (
	// TimestampLayout formats the timestamp in the page body
	TimestampLayout = "20060102150405"

	DefaultTimeout = 5 * time.Second
)

// DefaultPolicy is three attempts one second apart.
var DefaultPolicy = retry.Fixed(3, time.Second)

// Notifier delivers a page for a patient. Failures are reported but callers
// never depend on delivery.
type Notifier interface {
	Notify(ctx context.Context, mrn string, ts time.Time) error
}

// Pager posts "<mrn>,<YYYYMMDDHHMMSS>" to the pager endpoint.
type Pager struct {
	url     string
	client  *http.Client
	policy  retry.Policy
	metrics metrics.Sink
}

type PagerOption func(*Pager)

func WithPolicy(p retry.Policy) PagerOption {
	return func(pg *Pager) { pg.policy = p }
}

func WithHTTPClient(c *http.Client) PagerOption {
	return func(pg *Pager) { pg.client = c }
}

func WithMetrics(s metrics.Sink) PagerOption {
	return func(pg *Pager) { pg.metrics = metrics.OrNop(s) }
}

// NewPager targets address, either host:port or a base URL.
func NewPager(address string, opts ...PagerOption) *Pager {
	base := strings.TrimRight(address, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	p := &Pager{
		url:     base + "/page",
		client:  &http.Client{Timeout: DefaultTimeout},
		policy:  DefaultPolicy,
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// URL returns the endpoint pages are posted to.
func (p *Pager) URL() string {
	return p.url
}

func (p *Pager) Notify(ctx context.Context, mrn string, ts time.Time) error {
	body := Body(mrn, ts)

	err := retry.Do(ctx, p.policy, func() error {
		return p.send(ctx, body)
	}, func(attempt int, err error, wait time.Duration) {
		slog.Warn("Çağrı gönderilemedi, tekrar denenecek",
			"mrn", mrn,
			"attempt", attempt,
			"retryIn", wait,
			"error", err)
	})
	if err != nil {
		p.metrics.Inc(metrics.PagesFailed)
		slog.Error("Çağrı gönderilemedi", "mrn", mrn, "url", p.url, "error", err)
		return fmt.Errorf("çağrı gönderilemedi: %w", err)
	}

	p.metrics.Inc(metrics.PagesSent)
	slog.Info("Çağrı gönderildi", "mrn", mrn, "timestamp", ts.Format(TimestampLayout))
	return nil
}

func (p *Pager) send(ctx context.Context, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewBufferString(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	return nil
}

// Body renders the page payload.
func Body(mrn string, ts time.Time) string {
	return mrn + "," + ts.Format(TimestampLayout)
}
