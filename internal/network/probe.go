package network

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Prober periodically checks reachability with an HTTP HEAD request and
// reports each result.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	report   func(online bool)
	logger   *slog.Logger
}

// NewProber creates a prober. report is called from the probing goroutine.
func NewProber(url string, interval time.Duration, client *http.Client, report func(online bool), logger *slog.Logger) *Prober {
	if client == nil {
		client = &http.Client{Timeout: interval}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{url: url, interval: interval, client: client, report: report, logger: logger}
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.report(p.Check(ctx) == nil)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.report(p.Check(ctx) == nil)
		}
	}
}

// Check performs a single probe. Any response below 500 counts as reachable.
func (p *Prober) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("network probe failed", "url", p.url, "error", err)
		return fmt.Errorf("probe %s: %w", p.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: status %d", p.url, resp.StatusCode)
	}
	return nil
}
