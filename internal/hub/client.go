package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Options はクライアントのハートビートと送信キューの設定です
type Options struct {
	WriteWait      time.Duration // 1メッセージの書き込み期限
	PongWait       time.Duration // pongを待つ時間
	PingInterval   time.Duration // ping送信間隔（PongWaitより短くすること）
	MaxMessageSize int64         // 受信メッセージの最大サイズ
	SendBuffer     int           // 送信キューの長さ
}

// DefaultOptions はデフォルト設定を返します
func DefaultOptions() Options {
	return Options{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 8192,
		SendBuffer:     64,
	}
}

// Client は1つのWebSocket接続を表します
// 書き込みはWritePumpのgoroutineだけが行います
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	opts      Options
	closeOnce sync.Once
	done      chan struct{}
	log       *logrus.Entry
}

// NewClient は接続をラップしたクライアントを作成します
func NewClient(id string, conn *websocket.Conn, opts Options) *Client {
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, opts.SendBuffer),
		opts: opts,
		done: make(chan struct{}),
		log:  logrus.WithFields(logrus.Fields{"component": "hub", "connection_id": id}),
	}
}

// ID は接続IDを返します
func (c *Client) ID() string { return c.id }

// enqueue は送信キューにメッセージを積みます
// キューが詰まっている遅いクライアントの分は破棄します
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn("send buffer full, dropping message")
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ReadPump はメッセージを読み続け、handleに渡します
// 読み込みエラー（切断を含む）で戻ります。handleは受信順に1つずつ呼ばれます
func (c *Client) ReadPump(handle func(msg []byte)) {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Info("websocket closed unexpectedly")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		handle(msg)
	}
}

// WritePump は送信キューの内容を書き込み、定期的にpingを送ります
// クライアントが閉じられるか書き込みに失敗すると接続を閉じて戻ります
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.WithError(err).Debug("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// 残っているメッセージを書き出してから閉じる
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(c.opts.WriteWait))
					return
				}
			}
		}
	}
}
