package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/ordersync/pkg/envelope"
	"github.com/agentstation/ordersync/pkg/protocol"
)

func TestQueueIsNonBlocking(t *testing.T) {
	q := NewQueue(1)
	assert.NotEmpty(t, q.ID())
	assert.True(t, q.Deliver(envelope.Deleted("r1", "a")))
	assert.False(t, q.Deliver(envelope.Deleted("r1", "b")))
	assert.Equal(t, 1, q.Len())
	assert.Zero(t, q.Free())
}

func TestQueueClose(t *testing.T) {
	q := NewQueue(2)
	q.Close()
	q.Close()

	select {
	case <-q.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.False(t, q.Deliver(envelope.Deleted("r1", "a")))
	assert.False(t, q.Fail(protocol.CodeShutdown, "bye"))
}

func TestQueueJoinedWithResync(t *testing.T) {
	q := NewQueue(4)
	require.True(t, q.Joined(protocol.JoinAck{RestaurantID: "r1", Role: protocol.RoleKitchen, Sequence: 9, After: 3}))

	frames := drain(q)
	require.Len(t, frames, 2)
	assert.Equal(t, protocol.FrameJoined, frames[0].Type)
	assert.Equal(t, protocol.FrameResync, frames[1].Type)
	assert.Equal(t, uint64(9), frames[1].Sequence)
}
