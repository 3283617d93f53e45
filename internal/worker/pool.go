// Package worker runs the fetch loop: dequeue, rate-wait, fetch, classify,
// and feed results back to the job manager.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmorenz/strider/internal/crawler"
	contenthash "github.com/pmorenz/strider/internal/hash/sha256"
	"github.com/pmorenz/strider/internal/metrics"
)

// Queue is the frontier surface the pool consumes.
type Queue interface {
	Next(ctx context.Context) (crawler.Task, error)
	Requeue(ctx context.Context, task crawler.Task) error
}

// Manager receives task outcomes and discovered links.
type Manager interface {
	HandleLinks(ctx context.Context, parent crawler.Task, links []string)
	OnCompleted(ctx context.Context, task crawler.Task)
	OnFailed(ctx context.Context, task crawler.Task)
	OnFatal(ctx context.Context, jobID string, cause error)
}

// DomainGate is the post-fetch half of the rate limiter. Forfeit hands the
// slot back without an outcome when no request was ever sent.
type DomainGate interface {
	Release(host string, ok bool)
	Forfeit(host string)
	Penalize(host string, backoff time.Duration)
}

// JobRate throttles per-job request rates.
type JobRate interface {
	Wait(ctx context.Context, jobID string) error
}

// Config tunes the pool.
type Config struct {
	Workers      int
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	FetchTimeout time.Duration
	UserAgent    string
}

// Pool owns a fixed set of worker goroutines.
type Pool struct {
	queue   Queue
	manager Manager
	gate    DomainGate
	rates   JobRate
	fetcher crawler.Fetcher
	sink    crawler.Sink
	cfg     Config
	logger  *zap.Logger
}

// New builds a Pool.
func New(
	queue Queue,
	manager Manager,
	gate DomainGate,
	rates JobRate,
	fetcher crawler.Fetcher,
	sink crawler.Sink,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 20 * time.Second
	}
	return &Pool{
		queue:   queue,
		manager: manager,
		gate:    gate,
		rates:   rates,
		fetcher: fetcher,
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run blocks until ctx is cancelled and every worker has drained.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			return p.loop(ctx, id)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, id int) error {
	log := p.logger.With(zap.Int("worker", id))
	for {
		task, err := p.queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A journal failure surfaces here with the owning job attached.
			// That job fails; the pool keeps serving the others.
			if task.JobID != "" {
				p.manager.OnFatal(ctx, task.JobID, err)
				continue
			}
			log.Error("dequeue failed", zap.Error(err))
			continue
		}
		p.process(ctx, log, task)
	}
}

func (p *Pool) process(ctx context.Context, log *zap.Logger, task crawler.Task) {
	if err := p.rates.Wait(ctx, task.JobID); err != nil {
		// Shutdown while throttled. The dequeue is journaled, so recovery
		// re-admits this task; only the domain slot needs returning. No
		// request went out, so the error streak must not be reset.
		p.gate.Forfeit(task.Host)
		return
	}

	metrics.WorkerStarted()
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	resp, err := p.fetcher.Fetch(fetchCtx, crawler.FetchRequest{
		JobID:     task.JobID,
		URL:       task.URL,
		Depth:     task.Depth,
		UserAgent: p.cfg.UserAgent,
	})
	cancel()
	metrics.WorkerFinished()

	switch {
	case err != nil:
		p.retryOrFail(ctx, log, task, fmt.Errorf("fetch %s: %w", task.URL, err))
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		p.succeed(ctx, log, task, resp)
	case resp.StatusCode >= 500:
		p.retryOrFail(ctx, log, task, fmt.Errorf("fetch %s: status %d", task.URL, resp.StatusCode))
	default:
		// Client errors and anything else non-retryable. The server answered,
		// so the domain's error streak is not touched.
		p.gate.Release(task.Host, true)
		log.Debug("task failed permanently",
			zap.String("url", task.URL),
			zap.Int("status", resp.StatusCode))
		p.manager.OnFailed(ctx, task)
	}
}

func (p *Pool) succeed(ctx context.Context, log *zap.Logger, task crawler.Task, resp crawler.FetchResponse) {
	p.gate.Release(task.Host, true)

	meta := map[string]string{
		"status":         fmt.Sprintf("%d", resp.StatusCode),
		"depth":          fmt.Sprintf("%d", task.Depth),
		"duration_ms":    fmt.Sprintf("%d", resp.Duration.Milliseconds()),
		"content_sha256": contenthash.Digest(resp.Body),
	}
	if ct := resp.Headers.Get("Content-Type"); ct != "" {
		meta["content_type"] = ct
	}
	if err := p.sink.Submit(ctx, task.JobID, task.URL, resp.Body, meta); err != nil {
		// Sink delivery is best effort; the crawl itself succeeded.
		log.Warn("sink submit failed", zap.String("url", task.URL), zap.Error(err))
	}

	p.manager.HandleLinks(ctx, task, resp.Links)
	p.manager.OnCompleted(ctx, task)
}

func (p *Pool) retryOrFail(ctx context.Context, log *zap.Logger, task crawler.Task, cause error) {
	p.gate.Release(task.Host, false)

	if task.Retries >= p.cfg.MaxRetries {
		log.Warn("task exhausted retries",
			zap.String("url", task.URL),
			zap.Int("retries", task.Retries),
			zap.Error(cause))
		p.manager.OnFailed(ctx, task)
		return
	}

	task.Retries++
	backoff := p.backoff(task.Retries)
	p.gate.Penalize(task.Host, backoff)
	log.Debug("requeueing task",
		zap.String("url", task.URL),
		zap.Int("retry", task.Retries),
		zap.Duration("backoff", backoff),
		zap.Error(cause))

	if err := p.queue.Requeue(ctx, task); err != nil {
		p.manager.OnFatal(ctx, task.JobID, err)
	}
}

// backoff grows exponentially with the retry count, capped at BackoffMax.
func (p *Pool) backoff(retries int) time.Duration {
	d := p.cfg.BackoffBase
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= p.cfg.BackoffMax {
			return p.cfg.BackoffMax
		}
	}
	if d > p.cfg.BackoffMax {
		return p.cfg.BackoffMax
	}
	return d
}
