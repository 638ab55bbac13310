package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesTypedSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	var got atomic.Int64
	done := make(chan struct{})
	b.Subscribe(TurnCompleted, func(e Event) {
		got.Add(1)
		close(done)
	})

	require.NoError(t, b.Publish(NewEvent(TurnCompleted, "turn-1", nil)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber never received event")
	}
	assert.Equal(t, int64(1), got.Load())
}

func TestTypedSubscriberIgnoresOtherEvents(t *testing.T) {
	b := New()
	defer b.Close()

	var turns, lessons atomic.Int64
	var wg sync.WaitGroup
	wg.Add(1)
	b.Subscribe(TurnCompleted, func(e Event) { turns.Add(1) })
	b.Subscribe(LessonRecorded, func(e Event) {
		lessons.Add(1)
		wg.Done()
	})

	require.NoError(t, b.Publish(NewEvent(LessonRecorded, "turn-2", nil)))
	wg.Wait()

	assert.Equal(t, int64(0), turns.Load())
	assert.Equal(t, int64(1), lessons.Load())
}

func TestWildcardSubscriberReceivesEverything(t *testing.T) {
	b := New()
	defer b.Close()

	var got atomic.Int64
	var wg sync.WaitGroup
	wg.Add(2)
	b.Subscribe("", func(e Event) {
		got.Add(1)
		wg.Done()
	})

	require.NoError(t, b.Publish(NewEvent(TurnCompleted, "turn-1", nil)))
	require.NoError(t, b.Publish(NewEvent(ResourceWarning, "", map[string]any{"mount": "/"})))
	wg.Wait()

	assert.Equal(t, int64(2), got.Load())
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	block := make(chan struct{})
	b.Subscribe(TurnCompleted, func(e Event) { <-block })

	// Fill the channel past its buffer; publish must return immediately.
	start := time.Now()
	for i := 0; i < DefaultChannelBuffer*2; i++ {
		require.NoError(t, b.Publish(NewEvent(TurnCompleted, "t", nil)))
	}
	assert.Less(t, time.Since(start), time.Second)
	close(block)
}

func TestHistoryBounded(t *testing.T) {
	b := NewWithHistory(5)
	defer b.Close()

	for i := 0; i < 12; i++ {
		require.NoError(t, b.Publish(NewEvent(TurnCompleted, "t", nil)))
	}
	assert.Len(t, b.History(), 5)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	id := b.Subscribe(TurnCompleted, func(e Event) {})
	require.Equal(t, 1, b.SubscriptionsCount())

	require.NoError(t, b.Unsubscribe(id))
	assert.Equal(t, 0, b.SubscriptionsCount())
	assert.Error(t, b.Unsubscribe(id))
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(NewEvent(TurnCompleted, "t", nil)))
	assert.Error(t, b.Close())
}
