package inproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/internal/domain"
)

func TestDeliverPreservesArrivalOrder(t *testing.T) {
	boxes := New(4)
	ch := boxes.Register("a1")

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, boxes.Deliver(domain.Message{ID: id, ToAgent: "a1"}))
	}
	assert.Equal(t, MailboxStats{Depth: 3, Capacity: 4, Accepted: 3}, boxes.Stats()["a1"])

	for _, want := range []string{"m1", "m2", "m3"} {
		got := <-ch
		assert.Equal(t, want, got.ID)
	}
	assert.Zero(t, boxes.Stats()["a1"].Depth)
}

func TestDeliverErrors(t *testing.T) {
	boxes := New(1)
	require.ErrorIs(t, boxes.Deliver(domain.Message{ToAgent: "nobody"}), ErrAgentNotRegistered)

	boxes.Register("a1")
	require.NoError(t, boxes.Deliver(domain.Message{ToAgent: "a1"}))
	require.ErrorIs(t, boxes.Deliver(domain.Message{ToAgent: "a1"}), ErrAgentQueueFull)
	assert.Equal(t, MailboxStats{Depth: 1, Capacity: 1, Accepted: 1, Rejected: 1}, boxes.Stats()["a1"])
}

func TestUnregisterClosesMailbox(t *testing.T) {
	boxes := New(2)
	ch := boxes.Register("a1")
	assert.Equal(t, ch, boxes.Register("a1"))
	require.NoError(t, boxes.Deliver(domain.Message{ID: "m1", ToAgent: "a1"}))
	assert.Contains(t, boxes.Stats(), "a1")

	boxes.Unregister("a1")
	msg, ok := <-ch
	require.True(t, ok, "buffered messages survive the close")
	assert.Equal(t, "m1", msg.ID)
	_, ok = <-ch
	assert.False(t, ok)
	assert.Empty(t, boxes.Stats())
	require.ErrorIs(t, boxes.Deliver(domain.Message{ToAgent: "a1"}), ErrAgentNotRegistered)
	boxes.Unregister("a1")
}
