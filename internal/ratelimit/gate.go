// Package ratelimit gates per-domain fetch admission and per-job request rates.
package ratelimit

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pmorenz/strider/internal/crawler"
	"github.com/pmorenz/strider/internal/metrics"
)

const shardCount = 64

// Config tunes the per-domain gate.
type Config struct {
	// MinDelay is the politeness floor between fetches to one host; the
	// effective delay is the max of this and the robots crawl-delay.
	MinDelay time.Duration
	// MaxConcurrent caps outstanding fetches per host.
	MaxConcurrent int
	// ErrorThreshold is the consecutive-error count that suspends a host.
	ErrorThreshold int
	// Cooldown is how long a suspended host stays inadmissible.
	Cooldown time.Duration
}

// Gate tracks DomainState in a fixed-size sharded map so hot hosts do not
// contend on a single lock and host entries are not churned per fetch.
type Gate struct {
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	domains map[string]*domainState
}

type domainState struct {
	nextEligible   time.Time
	outstanding    int
	errStreak      int
	crawlDelay     time.Duration
	suspendedUntil time.Time
}

// New builds a Gate.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) *Gate {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	g := &Gate{cfg: cfg, clock: clock, logger: logger}
	for i := range g.shards {
		g.shards[i].domains = make(map[string]*domainState)
	}
	return g
}

func (g *Gate) shardFor(host string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	return &g.shards[h.Sum32()%shardCount]
}

// state must be called with the shard lock held.
func (s *shard) state(host string) *domainState {
	d, ok := s.domains[host]
	if !ok {
		d = &domainState{}
		s.domains[host] = d
	}
	return d
}

// SetCrawlDelay records the robots-declared delay for a host. The effective
// delay used for scheduling is the max of this and the configured floor.
func (g *Gate) SetCrawlDelay(host string, delay time.Duration) {
	host = strings.ToLower(host)
	s := g.shardFor(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(host).crawlDelay = delay
}

// Admit atomically checks admissibility for a host and, when admitted,
// advances the next-eligible time and increments the outstanding count. The
// check-and-advance must be one critical section so two workers cannot both
// be admitted past a concurrency cap of one.
func (g *Gate) Admit(host string) bool {
	host = strings.ToLower(host)
	now := g.clock.Now()
	s := g.shardFor(host)
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.state(host)
	if now.Before(d.suspendedUntil) {
		return false
	}
	if now.Before(d.nextEligible) {
		return false
	}
	if d.outstanding >= g.cfg.MaxConcurrent {
		return false
	}
	d.nextEligible = now.Add(g.effectiveDelay(d))
	d.outstanding++
	return true
}

// Release reports fetch completion for a host. Failed fetches grow the
// consecutive-error streak; crossing the threshold suspends the whole host
// for the cooldown window so dead hosts stop burning worker capacity.
func (g *Gate) Release(host string, ok bool) {
	host = strings.ToLower(host)
	s := g.shardFor(host)
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.state(host)
	if d.outstanding > 0 {
		d.outstanding--
	}
	if ok {
		d.errStreak = 0
		return
	}
	d.errStreak++
	if d.errStreak >= g.cfg.ErrorThreshold && g.clock.Now().After(d.suspendedUntil) {
		d.suspendedUntil = g.clock.Now().Add(g.cfg.Cooldown)
		metrics.ObserveDomainSuspension(host)
		g.logger.Warn("domain suspended after consecutive errors",
			zap.String("host", host),
			zap.Int("errors", d.errStreak),
			zap.Duration("cooldown", g.cfg.Cooldown),
		)
	}
}

// Forfeit returns an admitted slot without recording a fetch outcome, for
// paths where admission happened but no request was ever sent. The error
// streak and next-eligible time are untouched.
func (g *Gate) Forfeit(host string) {
	host = strings.ToLower(host)
	s := g.shardFor(host)
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.state(host)
	if d.outstanding > 0 {
		d.outstanding--
	}
}

// Penalize pushes a host's next-eligible time out by at least the given
// backoff, used when a task is re-enqueued after a transient error.
func (g *Gate) Penalize(host string, backoff time.Duration) {
	host = strings.ToLower(host)
	s := g.shardFor(host)
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.state(host)
	candidate := g.clock.Now().Add(backoff)
	if candidate.After(d.nextEligible) {
		d.nextEligible = candidate
	}
}

// Stats returns the host's current state; ok is false for hosts the gate has
// never seen.
func (g *Gate) Stats(host string) (crawler.DomainStats, bool) {
	host = strings.ToLower(host)
	s := g.shardFor(host)
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[host]
	if !ok {
		return crawler.DomainStats{}, false
	}
	return crawler.DomainStats{
		Host:              host,
		Outstanding:       d.outstanding,
		NextEligibleTime:  d.nextEligible,
		ConsecutiveErrors: d.errStreak,
		Suspended:         g.clock.Now().Before(d.suspendedUntil),
	}, true
}

func (g *Gate) effectiveDelay(d *domainState) time.Duration {
	if d.crawlDelay > g.cfg.MinDelay {
		return d.crawlDelay
	}
	return g.cfg.MinDelay
}
