package metar_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/i474232898/metar-aggregation/internal/metar"
	"github.com/i474232898/metar-aggregation/internal/store"
)

type fakeSource struct {
	name     string
	priority int
	delay    time.Duration
	result   metar.SourceResult
	err      error
	panics   bool
	warmErr  error

	calls atomic.Int32
	warms atomic.Int32
}

func (f *fakeSource) Name() string  { return f.name }
func (f *fakeSource) Priority() int { return f.priority }

func (f *fakeSource) Fetch(ctx context.Context, codes []metar.AirportCode) (metar.SourceResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.panics {
		panic("boom")
	}
	return f.result, f.err
}

type warmingSource struct {
	*fakeSource
}

func (w warmingSource) Warm(context.Context) error {
	w.warms.Add(1)
	return w.warmErr
}

func newService(t *testing.T, cache metar.Cache, sources []metar.Source, opts ...metar.Option) *metar.Service {
	t.Helper()
	opts = append([]metar.Option{metar.WithLogger(zaptest.NewLogger(t))}, opts...)
	return metar.NewService(cache, sources, opts...)
}

func TestResolve_cachedCodesSkipSources(t *testing.T) {
	cache := store.NewMetarCache(time.Minute, nil)
	cache.Set("ZSSS", "ZSSS 121200Z 18004MPS CAVOK 25/18 Q1012")

	src := &fakeSource{name: "vatsim", priority: 1, result: metar.SourceResult{"ZSSS": "other"}}
	svc := newService(t, cache, []metar.Source{src})

	got := svc.Resolve(context.Background(), []metar.AirportCode{"ZSSS"})

	assert.Equal(t, map[metar.AirportCode]string{"ZSSS": "ZSSS 121200Z 18004MPS CAVOK 25/18 Q1012"}, got)
	assert.Zero(t, src.calls.Load())
}

func TestResolve_everyCodePresentEvenWithoutData(t *testing.T) {
	cache := store.NewMetarCache(time.Minute, nil)
	zbaa := "ZBAA 121200Z 36004MPS CAVOK 20/05 Q1015"

	sources := []metar.Source{
		&fakeSource{name: "vatsim", priority: 1, result: metar.SourceResult{"ZBAA": zbaa}},
		&fakeSource{name: "aviationweather", priority: 2, result: metar.SourceResult{"ZSSS": "", "ZBAA": zbaa}},
		&fakeSource{name: "apocfly", priority: 3, result: metar.SourceResult{"ZSSS": "", "ZBAA": zbaa}},
	}
	svc := newService(t, cache, sources)

	got := svc.Resolve(context.Background(), []metar.AirportCode{"ZSSS", "ZBAA"})

	assert.Equal(t, map[metar.AirportCode]string{"ZSSS": "", "ZBAA": zbaa}, got)

	cached, ok := cache.Get("ZBAA")
	assert.True(t, ok)
	assert.Equal(t, zbaa, cached)

	_, ok = cache.Get("ZSSS")
	assert.False(t, ok, "empty results must not be cached")
}

func TestResolve_firstCompletionWins(t *testing.T) {
	cache := store.NewMetarCache(time.Minute, nil)

	slowPreferred := &fakeSource{
		name:     "vatsim",
		priority: 1,
		delay:    100 * time.Millisecond,
		result:   metar.SourceResult{"ZSSS": "from vatsim", "ZBAA": "ZBAA from vatsim"},
	}
	fastFallback := &fakeSource{
		name:     "apocfly",
		priority: 3,
		result:   metar.SourceResult{"ZSSS": "from apocfly", "ZBAA": ""},
	}
	svc := newService(t, cache, []metar.Source{fastFallback, slowPreferred})

	got := svc.Resolve(context.Background(), []metar.AirportCode{"ZSSS", "ZBAA"})

	assert.Equal(t, "from apocfly", got["ZSSS"])
	assert.Equal(t, "ZBAA from vatsim", got["ZBAA"])
	assert.EqualValues(t, 1, slowPreferred.calls.Load())
	assert.EqualValues(t, 1, fastFallback.calls.Load())
}

func TestResolve_deadlineAbandonsSlowSources(t *testing.T) {
	cache := store.NewMetarCache(time.Minute, nil)
	slow := &fakeSource{
		name:     "aviationweather",
		priority: 2,
		delay:    2 * time.Second,
		result:   metar.SourceResult{"ZSSS": "late"},
	}
	svc := newService(t, cache, []metar.Source{slow}, metar.WithDeadline(50*time.Millisecond))

	start := time.Now()
	got := svc.Resolve(context.Background(), []metar.AirportCode{"ZSSS"})

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, map[metar.AirportCode]string{"ZSSS": ""}, got)
	_, ok := cache.Get("ZSSS")
	assert.False(t, ok)
}

func TestResolve_failingSourcesDegrade(t *testing.T) {
	cache := store.NewMetarCache(time.Minute, nil)
	sources := []metar.Source{
		&fakeSource{name: "vatsim", priority: 1, panics: true},
		&fakeSource{name: "aviationweather", priority: 2, err: metar.ErrUpstreamUnavailable},
		&fakeSource{name: "apocfly", priority: 3, delay: 20 * time.Millisecond, result: metar.SourceResult{"RJTT": "RJTT 121200Z 18010KT 9999 FEW030 25/18 Q1012"}},
	}
	svc := newService(t, cache, sources)

	got := svc.Resolve(context.Background(), []metar.AirportCode{"RJTT", "EGLL"})

	assert.Equal(t, "RJTT 121200Z 18010KT 9999 FEW030 25/18 Q1012", got["RJTT"])
	assert.Contains(t, got, metar.AirportCode("EGLL"))
	assert.Empty(t, got["EGLL"])
}

func TestResolve_singleWorkerStillDispatchesAll(t *testing.T) {
	cache := store.NewMetarCache(time.Minute, nil)
	a := &fakeSource{name: "a", priority: 1, result: metar.SourceResult{"ZSSS": "ZSSS a"}}
	b := &fakeSource{name: "b", priority: 2, result: metar.SourceResult{"ZBAA": "ZBAA b"}}
	svc := newService(t, cache, []metar.Source{b, a}, metar.WithWorkers(1))

	got := svc.Resolve(context.Background(), []metar.AirportCode{"ZSSS", "ZBAA"})

	assert.Equal(t, map[metar.AirportCode]string{"ZSSS": "ZSSS a", "ZBAA": "ZBAA b"}, got)
}

func TestResolve_mixesCacheAndSources(t *testing.T) {
	cache := store.NewMetarCache(time.Minute, nil)
	cache.Set("ZSSS", "ZSSS cached")

	var seen []metar.AirportCode
	src := &recordingSource{fakeSource: &fakeSource{name: "vatsim", priority: 1, result: metar.SourceResult{"ZBAA": "ZBAA fresh"}}, seen: &seen}
	svc := newService(t, cache, []metar.Source{src})

	got := svc.Resolve(context.Background(), []metar.AirportCode{"ZSSS", "ZBAA"})

	assert.Equal(t, map[metar.AirportCode]string{"ZSSS": "ZSSS cached", "ZBAA": "ZBAA fresh"}, got)
	assert.Equal(t, []metar.AirportCode{"ZBAA"}, seen)
}

type recordingSource struct {
	*fakeSource
	seen *[]metar.AirportCode
}

func (r *recordingSource) Fetch(ctx context.Context, codes []metar.AirportCode) (metar.SourceResult, error) {
	*r.seen = append(*r.seen, codes...)
	return r.fakeSource.Fetch(ctx, codes)
}

func TestService_statsAndClear(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	cache := store.NewMetarCache(time.Minute, clk)
	feed := store.NewFeedCache(time.Minute, clk)

	_, err := feed.Load(context.Background(), func(context.Context) (string, error) {
		return "ZSSS 121200Z 18004MPS CAVOK 25/18 Q1012\n", nil
	})
	require.NoError(t, err)
	cache.Set("ZSSS", "ZSSS 121200Z")
	cache.Set("ZBAA", "ZBAA 121200Z")

	svc := newService(t, cache, nil, metar.WithFeedStore(feed))
	assert.Equal(t, metar.CacheStats{Entries: 2, FeedPresent: true}, svc.Stats())

	svc.ClearCaches()
	assert.Equal(t, metar.CacheStats{Entries: 0, FeedPresent: false}, svc.Stats())
}

func TestService_warm(t *testing.T) {
	cache := store.NewMetarCache(time.Minute, nil)
	ok := warmingSource{&fakeSource{name: "vatsim", priority: 1}}
	failing := warmingSource{&fakeSource{name: "other", priority: 2, warmErr: errors.New("unreachable")}}
	plain := &fakeSource{name: "aviationweather", priority: 3}

	svc := newService(t, cache, []metar.Source{ok, failing, plain})
	err := svc.Warm(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "other")
	assert.EqualValues(t, 1, ok.warms.Load())
	assert.EqualValues(t, 1, failing.warms.Load())
}

func TestService_prune(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	cache := store.NewMetarCache(time.Minute, clk)
	cache.Set("ZSSS", "old")
	clk.Step(2 * time.Minute)
	cache.Set("ZBAA", "new")

	svc := newService(t, cache, nil)

	assert.Equal(t, 1, svc.Prune())
	assert.Equal(t, 1, cache.Len())
}
