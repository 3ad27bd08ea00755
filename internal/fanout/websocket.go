package fanout

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// clientCommand 客户端通过WebSocket发送的订阅控制命令
type clientCommand struct {
	Action string `json:"action"` // subscribe / unsubscribe
	Topic  string `json:"topic"`
}

// WSTransport 将Broadcaster暴露为WebSocket端点。
// 每个连接对应一个订阅者，连接断开时自动清理其全部订阅。
type WSTransport struct {
	broadcaster *Broadcaster
	upgrader    websocket.Upgrader
}

// NewWSTransport 创建WebSocket传输
func NewWSTransport(b *Broadcaster, allowOrigins []string) *WSTransport {
	return &WSTransport{
		broadcaster: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range allowOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

// ServeHTTP 处理WebSocket升级与会话
func (t *WSTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket升级失败")
		return
	}

	id := uuid.NewString()
	out := t.broadcaster.Connect(id)

	log.Info().
		Str("subscriber", id).
		Str("remote", conn.RemoteAddr().String()).
		Msg("WebSocket订阅者连接")

	// 写协程：投递通道按序写出
	go func() {
		for payload := range out {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				conn.Close()
				return
			}
		}
		conn.Close()
	}()

	// 读循环：处理订阅控制命令
	defer func() {
		t.broadcaster.Disconnect(id)
		conn.Close()
		log.Info().Str("subscriber", id).Msg("WebSocket订阅者断开")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("subscriber", id).Msg("WebSocket读取失败")
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Warn().Err(err).Str("subscriber", id).Msg("无法识别的客户端命令")
			continue
		}

		switch cmd.Action {
		case "subscribe":
			if t.broadcaster.Subscribe(id, cmd.Topic) {
				log.Debug().Str("subscriber", id).Str("topic", cmd.Topic).Msg("订阅主题")
			}
		case "unsubscribe":
			t.broadcaster.Unsubscribe(id, cmd.Topic)
		default:
			log.Warn().Str("action", cmd.Action).Str("subscriber", id).Msg("未知的命令动作")
		}
	}
}
