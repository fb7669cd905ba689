package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashureev/moodchat/internal/metrics"
)

// Pacer spaces streaming requests while the shared keys are active. It is
// safe for concurrent use and shared by the whole process.
type Pacer struct {
	limiter  *rate.Limiter
	degraded func() bool
	metrics  *metrics.Metrics
}

// NewPacer creates a pacer that allows one request per interval whenever
// degraded reports true. A non-positive interval disables pacing.
func NewPacer(interval time.Duration, degraded func() bool, m *metrics.Metrics) *Pacer {
	p := &Pacer{degraded: degraded, metrics: m}
	if interval > 0 {
		p.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return p
}

// Wait blocks until the next request may start.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil || p.limiter == nil || p.degraded == nil || !p.degraded() {
		return nil
	}
	start := time.Now()
	err := p.limiter.Wait(ctx)
	p.metrics.ObservePacerWait(time.Since(start))
	return err
}
