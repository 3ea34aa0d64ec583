// Package sweeper physically removes dead records on a fixed interval.
// Liveness is enforced on every read regardless, so a slow or failing
// sweep only delays reclamation.
package sweeper

import (
	"context"
	"sort"
	"sync"
	"time"

	"cipher.share/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Evictor removes whatever it considers dead and reports how many records
// went.
type Evictor interface {
	DeleteExpired(ctx context.Context) (int, error)
}

// EvictorFunc adapts a plain function to Evictor.
type EvictorFunc func(ctx context.Context) (int, error)

func (f EvictorFunc) DeleteExpired(ctx context.Context) (int, error) { return f(ctx) }

type Sweeper struct {
	interval time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	evictors map[string]Evictor
}

func New(interval time.Duration, log *zap.Logger, m *metrics.Metrics) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		interval: interval,
		log:      log,
		metrics:  m,
		evictors: make(map[string]Evictor),
	}
}

// Register adds a named collection. A second registration under the same
// name replaces the first.
func (s *Sweeper) Register(name string, e Evictor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictors[name] = e
}

// SweepOnce runs every evictor concurrently and waits for all of them.
// Failures are logged and counted, never returned.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.evictors))
	for name := range s.evictors {
		names = append(names, name)
	}
	sort.Strings(names)
	evictors := make([]Evictor, len(names))
	for i, name := range names {
		evictors[i] = s.evictors[name]
	}
	s.mu.Unlock()

	var g errgroup.Group
	for i := range names {
		name, e := names[i], evictors[i]
		g.Go(func() error {
			s.sweep(ctx, name, e)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Sweeper) sweep(ctx context.Context, name string, e Evictor) {
	start := time.Now()
	n, err := e.DeleteExpired(ctx)
	s.metrics.Evicted(name, n)
	if err != nil {
		s.metrics.SweepFailed(name)
		s.log.Error("eviction failed",
			zap.String("collection", name),
			zap.Int("removed", n),
			zap.Error(err),
		)
		return
	}
	if n > 0 {
		s.log.Info("evicted expired records",
			zap.String("collection", name),
			zap.Int("removed", n),
			zap.Duration("took", time.Since(start)),
		)
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// Start runs the sweeper in its own goroutine. The returned channel is
// closed once it has stopped.
func (s *Sweeper) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return done
}
