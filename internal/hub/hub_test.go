package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrace/speedrace-server/internal/service"
)

func newTestClient(h *Hub, id string, buffer int) *Client {
	opts := DefaultOptions()
	opts.SendBuffer = buffer
	c := NewClient(id, nil, opts)
	h.Register(c)
	return c
}

func drain(c *Client) []service.EventType {
	var out []service.EventType
	for {
		select {
		case msg := <-c.send:
			var evt struct {
				Type service.EventType `json:"type"`
			}
			_ = json.Unmarshal(msg, &evt)
			out = append(out, evt.Type)
		default:
			return out
		}
	}
}

func TestBroadcastReachesGroupOnce(t *testing.T) {
	h := New()
	a := newTestClient(h, "a", 8)
	b := newTestClient(h, "b", 8)
	other := newTestClient(h, "other", 8)

	h.Join("ROOM22", "a")
	h.Join("ROOM22", "b")
	h.Join("ROOM22", "b") // 2回参加しても1回しか届かない
	h.Join("ELSE22", "other")

	h.Broadcast("ROOM22", service.Event{Type: service.EventTestStarted}, "")
	assert.Equal(t, []service.EventType{service.EventTestStarted}, drain(a))
	assert.Equal(t, []service.EventType{service.EventTestStarted}, drain(b))
	assert.Empty(t, drain(other))
	assert.Equal(t, 2, h.Members("ROOM22"))
}

func TestBroadcastExcept(t *testing.T) {
	h := New()
	a := newTestClient(h, "a", 8)
	b := newTestClient(h, "b", 8)
	h.Join("ROOM22", "a")
	h.Join("ROOM22", "b")

	h.Broadcast("ROOM22", service.Event{Type: service.EventTestProgress}, "a")
	assert.Empty(t, drain(a))
	assert.Equal(t, []service.EventType{service.EventTestProgress}, drain(b))
}

func TestSendEncodesEnvelope(t *testing.T) {
	h := New()
	a := newTestClient(h, "a", 8)

	h.Send("a", service.Event{Type: service.EventError, Payload: service.ErrorPayload{Message: "Room not found"}})
	msg := <-a.send
	assert.JSONEq(t, `{"type":"error","payload":{"message":"Room not found"}}`, string(msg))

	// 未登録の接続への送信は無視される
	h.Send("ghost", service.Event{Type: service.EventError})
}

func TestLeaveAndCloseRoom(t *testing.T) {
	h := New()
	a := newTestClient(h, "a", 8)
	newTestClient(h, "b", 8)
	h.Join("ROOM22", "a")
	h.Join("ROOM22", "b")

	h.Leave("ROOM22", "b")
	assert.Equal(t, 1, h.Members("ROOM22"))

	h.CloseRoom("ROOM22")
	assert.Equal(t, 0, h.Members("ROOM22"))
	h.Broadcast("ROOM22", service.Event{Type: service.EventRoomClosed}, "")
	assert.Empty(t, drain(a))

	h.Leave("ROOM22", "a")
	h.Join("ROOM22", "unknown")
	_, groups := h.Stats()
	assert.Equal(t, 0, groups)
}

func TestUnregisterRemovesFromGroups(t *testing.T) {
	h := New()
	a := newTestClient(h, "a", 8)
	require.Equal(t, "a", a.ID())
	h.Join("ROOM22", a.ID())

	h.Unregister(a)
	clients, groups := h.Stats()
	assert.Equal(t, 0, clients)
	assert.Equal(t, 0, groups)

	// 閉じたクライアントには積まれない
	a.enqueue([]byte("x"))
	assert.Empty(t, drain(a))
}

func TestSlowClientDropsMessages(t *testing.T) {
	h := New()
	slow := newTestClient(h, "slow", 2)
	fast := newTestClient(h, "fast", 16)
	h.Join("ROOM22", "slow")
	h.Join("ROOM22", "fast")

	for i := 0; i < 5; i++ {
		h.Broadcast("ROOM22", service.Event{Type: service.EventTestProgress}, "")
	}
	assert.Len(t, drain(slow), 2)
	assert.Len(t, drain(fast), 5)
}

func TestConcurrentUse(t *testing.T) {
	h := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			c := newTestClient(h, id, 64)
			h.Join("ROOM22", id)
			h.Broadcast("ROOM22", service.Event{Type: service.EventTestProgress}, id)
			h.Leave("ROOM22", id)
			h.Unregister(c)
		}(i)
	}
	wg.Wait()
	clients, groups := h.Stats()
	require.Equal(t, 0, clients)
	assert.Equal(t, 0, groups)
}
