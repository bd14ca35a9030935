// Package worker implements the collection loop: prepare a request through
// the dispatcher, hand it to the transport, and report the outcome back.
package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swoophq/swoop-dispatch/internal/dispatcher"
	"github.com/swoophq/swoop-dispatch/internal/session"
)

// Target is one URL to collect for a platform.
type Target struct {
	Platform string
	URL      string
}

// FetchResult is what the transport returns for one request.
type FetchResult struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Cookies    []session.Cookie
	Duration   time.Duration
}

// Transport performs the actual network request described by a descriptor.
// The dispatch core never calls it; workers do.
type Transport interface {
	Fetch(ctx context.Context, desc dispatcher.RequestDescriptor, rawURL string) (FetchResult, error)
}

// exhaustedBackoff is how long a worker parks when the proxy pool has no
// healthy proxy, giving health checks a chance to recover one.
const exhaustedBackoff = 15 * time.Second

// Worker drains targets, dispatching each through the prepare/report cycle.
type Worker struct {
	dispatcher *dispatcher.Dispatcher
	sessions   *session.Store
	transport  Transport
	logger     *zap.Logger
}

// New constructs a Worker.
func New(d *dispatcher.Dispatcher, sessions *session.Store, transport Transport, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		dispatcher: d,
		sessions:   sessions,
		transport:  transport,
		logger:     logger,
	}
}

// Run consumes targets until the channel closes or the context finishes.
func (w *Worker) Run(ctx context.Context, targets <-chan Target) {
	for {
		select {
		case <-ctx.Done():
			return
		case target, ok := <-targets:
			if !ok {
				return
			}
			w.process(ctx, target)
		}
	}
}

func (w *Worker) process(ctx context.Context, target Target) {
	domain := targetDomain(target.URL)
	desc, err := w.dispatcher.Prepare(ctx, target.Platform, domain)
	if err != nil {
		if errors.Is(err, session.ErrProxyExhausted) {
			w.logger.Warn("proxy pool exhausted, backing off",
				zap.String("platform", target.Platform),
				zap.String("domain", domain),
			)
			w.pause(ctx, exhaustedBackoff)
			return
		}
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("prepare failed",
			zap.String("platform", target.Platform),
			zap.String("url", target.URL),
			zap.Error(err),
		)
		return
	}

	// The humanized delay happens here, between admission and I/O, so the
	// dispatcher itself never sleeps.
	w.pause(ctx, desc.Delay)
	if ctx.Err() != nil {
		return
	}

	res, err := w.transport.Fetch(ctx, desc, target.URL)
	success := err == nil && res.StatusCode < http.StatusBadRequest
	w.dispatcher.Report(target.Platform, desc.Proxy.ID(), success, res.Duration)

	if err != nil {
		w.logger.Warn("fetch failed",
			zap.String("platform", target.Platform),
			zap.String("url", target.URL),
			zap.String("proxy", desc.Proxy.ID()),
			zap.Error(err),
		)
		return
	}
	if len(res.Cookies) > 0 {
		w.sessions.StoreCookies(target.Platform, res.Cookies)
	}
	w.logger.Debug("target collected",
		zap.String("platform", target.Platform),
		zap.String("url", target.URL),
		zap.Int("status", res.StatusCode),
		zap.Duration("duration", res.Duration),
	)
}

func (w *Worker) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func targetDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Pool fans a shared target channel out to a fixed set of workers.
type Pool struct {
	workers []*Worker
	targets chan Target
}

// NewPool builds count workers over a buffered target queue.
func NewPool(count, queueDepth int, d *dispatcher.Dispatcher, sessions *session.Store, transport Transport, logger *zap.Logger) *Pool {
	if count <= 0 {
		count = 1
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	workers := make([]*Worker, count)
	for i := range workers {
		workers[i] = New(d, sessions, transport, logger)
	}
	return &Pool{
		workers: workers,
		targets: make(chan Target, queueDepth),
	}
}

// Enqueue queues a target, blocking while the queue is full.
func (p *Pool) Enqueue(ctx context.Context, target Target) error {
	select {
	case p.targets <- target:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts all workers and blocks until the context finishes and the
// workers drain out.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(wk *Worker) {
			defer wg.Done()
			wk.Run(ctx, p.targets)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}
