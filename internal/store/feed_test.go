package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/i474232898/metar-aggregation/internal/metar"
)

func staticFetch(text string, calls *atomic.Int32) metar.FeedFetchFunc {
	return func(context.Context) (string, error) {
		calls.Add(1)
		return text, nil
	}
}

func TestFeedCache_loadCachesWithinTTL(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	c := NewFeedCache(time.Minute, clk)
	var calls atomic.Int32

	feed, err := c.Load(context.Background(), staticFetch("ZSSS 181200Z", &calls))
	require.NoError(t, err)
	assert.Equal(t, "ZSSS 181200Z", feed.Text)
	assert.Equal(t, epoch, feed.FetchedAt)

	clk.Step(59 * time.Second)
	_, err = c.Load(context.Background(), staticFetch("other", &calls))
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())

	clk.Step(2 * time.Second)
	feed, err = c.Load(context.Background(), staticFetch("ZBAA 181201Z", &calls))
	require.NoError(t, err)
	assert.Equal(t, "ZBAA 181201Z", feed.Text)
	assert.EqualValues(t, 2, calls.Load())
}

func TestFeedCache_staleFallbackOnFailure(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	c := NewFeedCache(time.Minute, clk)
	var calls atomic.Int32

	_, err := c.Load(context.Background(), staticFetch("ZSSS 181200Z", &calls))
	require.NoError(t, err)

	clk.Step(5 * time.Minute)
	boom := errors.New("upstream down")
	feed, err := c.Load(context.Background(), func(context.Context) (string, error) {
		return "", boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "ZSSS 181200Z", feed.Text, "stale feed must be returned on failure")
	assert.True(t, c.Present())

	_, fresh := c.Get()
	assert.False(t, fresh)
}

func TestFeedCache_failureWithoutPreviousFeed(t *testing.T) {
	c := NewFeedCache(time.Minute, testingclock.NewFakeClock(epoch))

	feed, err := c.Load(context.Background(), func(context.Context) (string, error) {
		return "", errors.New("upstream down")
	})

	assert.Error(t, err)
	assert.True(t, feed.Empty())
	assert.False(t, c.Present())
}

func TestFeedCache_refreshIgnoresFreshness(t *testing.T) {
	c := NewFeedCache(time.Minute, testingclock.NewFakeClock(epoch))
	var calls atomic.Int32

	_, err := c.Load(context.Background(), staticFetch("first", &calls))
	require.NoError(t, err)
	feed, err := c.Refresh(context.Background(), staticFetch("second", &calls))
	require.NoError(t, err)

	assert.Equal(t, "second", feed.Text)
	assert.EqualValues(t, 2, calls.Load())
}

func TestFeedCache_concurrentMissesShareFetch(t *testing.T) {
	c := NewFeedCache(time.Minute, testingclock.NewFakeClock(epoch))
	var calls atomic.Int32
	release := make(chan struct{})

	fetch := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "ZSSS 181200Z", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			feed, err := c.Load(context.Background(), fetch)
			assert.NoError(t, err)
			assert.Equal(t, "ZSSS 181200Z", feed.Text)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
}

func TestFeedCache_callerCancellationDoesNotAbortFetch(t *testing.T) {
	c := NewFeedCache(time.Minute, testingclock.NewFakeClock(epoch))
	release := make(chan struct{})
	done := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(done)
		_, err := c.Load(ctx, func(fetchCtx context.Context) (string, error) {
			<-release
			if fetchCtx.Err() != nil {
				return "", fetchCtx.Err()
			}
			return "ZSSS 181200Z", nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	}()

	cancel()
	<-done
	close(release)

	assert.Eventually(t, c.Present, time.Second, 10*time.Millisecond)
}

func TestFeedCache_clear(t *testing.T) {
	c := NewFeedCache(time.Minute, testingclock.NewFakeClock(epoch))
	var calls atomic.Int32

	_, err := c.Load(context.Background(), staticFetch("ZSSS 181200Z", &calls))
	require.NoError(t, err)
	require.True(t, c.Present())

	c.Clear()

	assert.False(t, c.Present())
	_, ok := c.Get()
	assert.False(t, ok)
}
