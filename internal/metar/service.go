package metar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultDeadline bounds a whole aggregation, independent of per-source timeouts.
	DefaultDeadline = 3 * time.Second

	// DefaultWorkers is the number of sources invoked in parallel.
	DefaultWorkers = 10
)

// Service resolves airport codes to METAR text using the report cache and the configured
// sources.
type Service struct {
	cache    Cache
	feed     FeedStore
	sources  []Source
	deadline time.Duration
	workers  int
	logger   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDeadline sets the aggregation deadline.
func WithDeadline(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.deadline = d
		}
	}
}

// WithWorkers sets the size of the source worker pool.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithFeedStore lets the service report on and clear the bulk feed cache.
func WithFeedStore(f FeedStore) Option {
	return func(s *Service) {
		s.feed = f
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a new Service. Sources are dispatched in ascending Priority order.
func NewService(cache Cache, sources []Source, opts ...Option) *Service {
	s := &Service{
		cache:    cache,
		sources:  append([]Source(nil), sources...),
		deadline: DefaultDeadline,
		workers:  DefaultWorkers,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	sort.SliceStable(s.sources, func(i, j int) bool {
		return s.sources[i].Priority() < s.sources[j].Priority()
	})

	return s
}

// sourceOutcome is what one source invocation hands back to the merge loop.
type sourceOutcome struct {
	name    string
	result  SourceResult
	err     error
	elapsed time.Duration
}

// Resolve returns report text for every requested code. Cached codes are answered without
// touching any source; the rest are fetched from all sources concurrently and filled by the
// first source to complete with a non-empty report. Codes nobody could resolve before the
// deadline map to "".
func (s *Service) Resolve(ctx context.Context, codes []AirportCode) map[AirportCode]string {
	results := make(map[AirportCode]string, len(codes))

	remaining := make([]AirportCode, 0, len(codes))
	for _, c := range codes {
		if text, ok := s.cache.Get(c); ok {
			results[c] = text
			continue
		}
		remaining = append(remaining, c)
	}

	if len(remaining) == 0 {
		return results
	}

	log := s.logger.With(zap.String("resolve_id", uuid.NewString()))
	log.Info("fetching reports from upstream",
		zap.Strings("codes", codeStrings(remaining)),
		zap.Int("sources", len(s.sources)),
	)

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	outcomes := s.dispatch(ctx, remaining)
	unresolved := len(remaining)

merge:
	for unresolved > 0 {
		select {
		case o, ok := <-outcomes:
			if !ok {
				break merge
			}
			if o.err != nil {
				log.Debug("source returned no data",
					zap.String("source", o.name),
					zap.Duration("elapsed", o.elapsed),
					zap.Error(o.err),
				)
				continue
			}

			filled := s.merge(results, remaining, o.result)
			unresolved -= filled
			log.Debug("source completed",
				zap.String("source", o.name),
				zap.Int("filled", filled),
				zap.Duration("elapsed", o.elapsed),
			)
		case <-ctx.Done():
			log.Warn("aggregation deadline reached; abandoning pending sources",
				zap.Duration("deadline", s.deadline),
				zap.Int("unresolved", unresolved),
			)
			break merge
		}
	}

	var exhausted []string
	for _, c := range remaining {
		if _, ok := results[c]; !ok {
			results[c] = ""
			exhausted = append(exhausted, c.String())
		}
	}

	if len(exhausted) > 0 {
		log.Warn("no source had data", zap.Strings("codes", exhausted))
	}
	log.Info("aggregation finished",
		zap.Int("resolved", len(remaining)-len(exhausted)),
		zap.Int("requested", len(remaining)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return results
}

// dispatch starts every source on the bounded pool and streams outcomes in completion
// order. The channel is buffered for all sources so abandoned invocations never block.
func (s *Service) dispatch(ctx context.Context, codes []AirportCode) <-chan sourceOutcome {
	out := make(chan sourceOutcome, len(s.sources))

	go func() {
		var g errgroup.Group
		g.SetLimit(s.workers)
		for _, src := range s.sources {
			g.Go(func() error {
				out <- s.invoke(ctx, src, codes)
				return nil
			})
		}
		_ = g.Wait()
		close(out)
	}()

	return out
}

func (s *Service) invoke(ctx context.Context, src Source, codes []AirportCode) (o sourceOutcome) {
	start := time.Now()
	o.name = src.Name()

	defer func() {
		if r := recover(); r != nil {
			o.result = nil
			o.err = fmt.Errorf("source %s panicked: %v", o.name, r)
		}
		o.elapsed = time.Since(start)
	}()

	if err := ctx.Err(); err != nil {
		o.err = err
		return o
	}

	o.result, o.err = src.Fetch(ctx, codes)
	return o
}

// merge copies non-empty reports for codes not yet resolved into results and the cache.
// It returns how many codes were newly resolved.
func (s *Service) merge(results map[AirportCode]string, codes []AirportCode, res SourceResult) int {
	filled := 0
	for _, c := range codes {
		text := res[c]
		if text == "" {
			continue
		}
		if _, done := results[c]; done {
			continue
		}
		results[c] = text
		s.cache.Set(c, text)
		filled++
	}
	return filled
}

// Stats reports cache occupancy.
func (s *Service) Stats() CacheStats {
	stats := CacheStats{Entries: s.cache.Len()}
	if s.feed != nil {
		stats.FeedPresent = s.feed.Present()
	}
	return stats
}

// ClearCaches drops every cached report and the bulk feed.
func (s *Service) ClearCaches() {
	s.cache.Clear()
	if s.feed != nil {
		s.feed.Clear()
	}
	s.logger.Info("caches cleared")
}

// Warm asks every source that supports it to prefetch its data.
func (s *Service) Warm(ctx context.Context) error {
	var errs []error
	for _, src := range s.sources {
		w, ok := src.(Warmer)
		if !ok {
			continue
		}
		if err := w.Warm(ctx); err != nil {
			s.logger.Warn("source warm-up failed", zap.String("source", src.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Prune evicts expired reports when the cache supports it.
func (s *Service) Prune() int {
	p, ok := s.cache.(Pruner)
	if !ok {
		return 0
	}
	n := p.Prune()
	if n > 0 {
		s.logger.Debug("pruned expired reports", zap.Int("evicted", n))
	}
	return n
}

func codeStrings(codes []AirportCode) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = c.String()
	}
	return out
}
