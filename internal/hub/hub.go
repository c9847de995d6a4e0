// Package hub はWebSocket接続をルームごとのグループにまとめ、イベントを配信します
package hub

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/speedrace/speedrace-server/internal/service"
)

// Hub は接続とルームのグループを管理します
// スレッドセーフな実装により、複数のgoroutineから同時にアクセス可能です
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client            // 接続IDをキーとしたクライアント
	groups  map[string]map[string]*Client // ルームID -> 接続ID -> クライアント
	log     *logrus.Entry
}

func New() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		groups:  make(map[string]map[string]*Client),
		log:     logrus.WithField("component", "hub"),
	}
}

// Register はクライアントを登録します
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID()] = c
	h.log.WithField("connection_id", c.ID()).Debug("client registered")
}

// Unregister はクライアントを全グループから外し、送信キューを閉じます
func (h *Hub) Unregister(c *Client) {
	id := c.ID()
	h.mu.Lock()
	delete(h.clients, id)
	for roomId, members := range h.groups {
		if _, ok := members[id]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(h.groups, roomId)
			}
		}
	}
	h.mu.Unlock()
	c.close()
}

// Join は接続をルームのグループに追加します
func (h *Hub) Join(roomId, connectionId string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connectionId]
	if !ok {
		return
	}
	members, ok := h.groups[roomId]
	if !ok {
		members = make(map[string]*Client)
		h.groups[roomId] = members
	}
	members[connectionId] = c
}

// Leave は接続をルームのグループから外します
// グループが空になった場合はグループ自体を削除します
func (h *Hub) Leave(roomId, connectionId string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[roomId]
	if !ok {
		return
	}
	delete(members, connectionId)
	if len(members) == 0 {
		delete(h.groups, roomId)
	}
}

// CloseRoom はルームのグループを解散します
func (h *Hub) CloseRoom(roomId string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.groups, roomId)
}

// Send は1つの接続にイベントを送ります
func (h *Hub) Send(connectionId string, evt service.Event) {
	h.mu.RLock()
	c, ok := h.clients[connectionId]
	h.mu.RUnlock()
	if !ok {
		return
	}
	msg, err := json.Marshal(evt)
	if err != nil {
		h.log.WithError(err).WithField("type", evt.Type).Error("failed to encode event")
		return
	}
	c.enqueue(msg)
}

// Broadcast はルームの全接続にイベントを送ります。exceptの接続は除きます
// メンバーは接続IDで管理しているので、同じ接続に2回届くことはありません
func (h *Hub) Broadcast(roomId string, evt service.Event, except string) {
	msg, err := json.Marshal(evt)
	if err != nil {
		h.log.WithError(err).WithField("type", evt.Type).Error("failed to encode event")
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.groups[roomId]))
	for id, c := range h.groups[roomId] {
		if id != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(msg)
	}
}

// Members はルームに参加している接続IDの数を返します
func (h *Hub) Members(roomId string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[roomId])
}

// Stats は接続数とグループ数を返します
func (h *Hub) Stats() (clients, groups int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients), len(h.groups)
}

var _ service.Outbound = (*Hub)(nil)
