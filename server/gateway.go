package server

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 演示环境：允许所有来源（生产环境需严格限制）
		return true
	},
}

// HandleWS WebSocket 网关：浏览器客户端由此接入同一套协议。
// 一条二进制消息承载一条 [opcode][args] 载荷，WebSocket 自带的
// 消息边界取代了 TCP 侧的长度前缀；进了事件循环之后两种客户端
// 没有任何区别
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	tr := newWSTransport(ws)
	s.post(func() { s.addConn(tr) })
}
