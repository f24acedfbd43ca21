package room

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/npezzotti/go-jamroom/internal/testutil"
)

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{}
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_shutdown_idempotent(t *testing.T) {
	c := &Client{
		send: make(chan *ServerMessage, 1),
		stop: make(chan struct{}),
		log:  testutil.TestLogger(t),
	}

	c.shutdown()
	c.shutdown()

	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed after shutdown")
	}
}
