package upstream

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Prober actively re-checks down endpoints once their cooldown expires
type Prober struct {
	pool     *Pool
	client   *http.Client
	path     string
	interval time.Duration
	logger   *slog.Logger
}

// NewProber creates a prober issuing GET path against recovering endpoints
func NewProber(pool *Pool, path string, interval, timeout time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Prober{
		pool:     pool,
		client:   &http.Client{Timeout: timeout},
		path:     path,
		interval: interval,
		logger:   logger,
	}
}

// Run probes until ctx is cancelled
func (p *Prober) Run(ctx context.Context) {
	ticker := p.pool.clock.Ticker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.ProbeDue(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProbeDue checks every down endpoint whose cooldown has elapsed
func (p *Prober) ProbeDue(ctx context.Context) {
	for _, ep := range p.pool.due() {
		if err := p.probe(ctx, ep); err != nil {
			p.logger.Warn("Upstream health check failed", "endpoint", ep.String(), "error", err)
			p.pool.ReportFailure(ep)
			continue
		}
		p.logger.Info("Upstream recovered", "endpoint", ep.String())
		p.pool.ReportSuccess(ep)
	}
}

func (p *Prober) probe(ctx context.Context, ep Endpoint) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+ep.Addr()+p.path, nil)
	if err != nil {
		return err
	}
	req.Host = ep.Name

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// StatusError reports an unhealthy probe response
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return "health check returned " + http.StatusText(e.Code)
}
