package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) State {
	t.Helper()
	select {
	case s, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state")
		return State{}
	}
}

func TestContainerDeliversCurrentStateFirst(t *testing.T) {
	t.Parallel()

	c := NewContainer(LoadingModel())
	require.NoError(t, c.Set(Transcribed("")))

	sub := c.Subscribe()
	defer sub.Close()
	assert.Equal(t, Transcribed(""), receive(t, sub))
}

func TestContainerRejectsInvalidState(t *testing.T) {
	t.Parallel()

	c := NewContainer(LoadingModel())
	require.ErrorIs(t, c.Set(State{Kind: KindRecording}), ErrInvalidState)
	assert.Equal(t, LoadingModel(), c.Current())
}

func TestSlowSubscriberSeesEveryTransitionInOrder(t *testing.T) {
	t.Parallel()

	c := NewContainer(LoadingModel())
	slow := c.Subscribe()
	defer slow.Close()
	fast := c.Subscribe()
	defer fast.Close()

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, c.Set(Transcribed(fmt.Sprintf("t%d", i))))
	}

	// The writer never blocked on either reader.
	assert.Equal(t, LoadingModel(), receive(t, fast))
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("t%d", i), receive(t, fast).Text)
	}

	assert.Equal(t, LoadingModel(), receive(t, slow))
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("t%d", i), receive(t, slow).Text)
	}
}

func TestSubscriptionClose(t *testing.T) {
	t.Parallel()

	c := NewContainer(LoadingModel())
	sub := c.Subscribe()
	require.Equal(t, 1, c.Subscribers())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, c.Subscribers())

	require.NoError(t, c.Set(Transcribed("")))
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.C():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestContainerCloseDrainsThenEndsSubscriptions(t *testing.T) {
	t.Parallel()

	c := NewContainer(LoadingModel())
	sub := c.Subscribe()
	require.NoError(t, c.Set(Transcribed("done")))
	c.Close()
	c.Close()
	assert.Equal(t, 0, c.Subscribers())

	assert.Equal(t, LoadingModel(), receive(t, sub))
	assert.Equal(t, Transcribed("done"), receive(t, sub))
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}

	late := c.Subscribe()
	assert.Equal(t, 0, c.Subscribers())
	assert.Equal(t, Transcribed("done"), receive(t, late))
	select {
	case _, ok := <-late.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("late subscription not closed")
	}
}
