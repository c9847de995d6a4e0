package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/speedrace/speedrace-server/internal/hub"
	"github.com/speedrace/speedrace-server/internal/idgen"
	"github.com/speedrace/speedrace-server/internal/service"
)

// commandTimeout は1コマンドの処理にかけられる時間
const commandTimeout = 10 * time.Second

// CommandHandler はデコード済みのコマンドを処理します
type CommandHandler interface {
	Handle(ctx context.Context, connectionId string, cmd service.Command) error
}

// WebSocketMessage はWebSocketで受信するメッセージの構造
type WebSocketMessage struct {
	Type    string          `json:"type"`    // メッセージタイプ (例: "create-room", "join-room")
	Payload json.RawMessage `json:"payload"` // メッセージのペイロード（型はTypeで決まる）
}

// WebSocketHandler はWebSocket接続を処理するハンドラー
type WebSocketHandler struct {
	svc      CommandHandler
	hub      *hub.Hub
	opts     hub.Options
	upgrader websocket.Upgrader
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
// allowedOriginsが空、または"*"を含む場合はすべてのOriginを許可します
func NewWebSocketHandler(s CommandHandler, h *hub.Hub, allowedOrigins []string, opts hub.Options) *WebSocketHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &WebSocketHandler{
		svc:  s,
		hub:  h,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowed) == 0 || allowed["*"] || allowed[origin]
			},
		},
	}
}

// HandleWebSocket はWebSocket接続を処理します
// 接続後、以下の処理を行います:
// 1. HTTPからWebSocketへのアップグレード
// 2. 接続IDを払い出してハブに登録
// 3. メッセージ受信ループ（コマンドは受信順に1つずつ処理）
// 4. 切断時の退出処理とクリーンアップ
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("websocket upgrade failed")
		return
	}

	connId := idgen.NewConnectionID()
	client := hub.NewClient(connId, conn, h.opts)
	h.hub.Register(client)
	go client.WritePump()

	log := logrus.WithFields(logrus.Fields{"component": "websocket", "connection_id": connId})
	log.Info("websocket connected")

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		// WebSocket切断時にルームから退出させる
		if err := h.svc.Handle(ctx, connId, service.Disconnect{}); err != nil {
			log.WithError(err).Warn("failed to clean up after disconnect")
		}
		h.hub.Unregister(client)
		log.Info("websocket disconnected")
	}()

	client.ReadPump(func(msg []byte) { h.dispatch(connId, msg) })
}

// dispatch は受信したメッセージをコマンドに変換してサービス層に渡します
func (h *WebSocketHandler) dispatch(connId string, raw []byte) {
	var msg WebSocketMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.hub.Send(connId, service.Event{Type: service.EventError, Payload: service.ErrorPayload{
			Message: "invalid message", Code: "validation",
		}})
		return
	}

	// ping/pongで接続を維持
	if msg.Type == "ping" {
		h.hub.Send(connId, service.Event{Type: service.EventPong})
		return
	}

	cmd, err := service.DecodeCommand(msg.Type, msg.Payload)
	if err != nil {
		logrus.WithError(err).WithField("connection_id", connId).Debug("rejected message")
		h.hub.Send(connId, service.ErrorEvent(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	// エラーはサービス層がクライアントに通知済み
	_ = h.svc.Handle(ctx, connId, cmd)
}
