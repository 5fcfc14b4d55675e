package server

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bomberman/protocol"
)

const (
	readBufferSize = 1024
	sendQueueSize  = 64
	writeTimeout   = 5 * time.Second
)

// transport 抹平 TCP 和 WebSocket 的差异：两边都以"一条完整载荷"
// 为单位收发。TCP 侧自己做长度前缀分帧，WebSocket 的消息边界
// 天然就是帧边界
type transport interface {
	// ReadLoop 阻塞读取，每条完整载荷回调一次（keepalive 为 nil），
	// 出错即返回
	ReadLoop(onPayload func([]byte)) error
	// WriteFrame 发送一条载荷；nil 表示 keepalive
	WriteFrame(payload []byte) error
	Close() error
	RemoteAddr() string
}

// tcpTransport 原生 TCP：[2 字节大端长度][载荷]
type tcpTransport struct {
	conn   net.Conn
	framer *protocol.Framer
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{conn: conn}
}

func (t *tcpTransport) ReadLoop(onPayload func([]byte)) error {
	t.framer = protocol.NewFramer(onPayload)
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			if ferr := t.framer.Feed(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			// 断开时缓冲里剩的半帧只记日志，不算错误
			if t.framer.Pending() > 0 {
				Log.Debugf("connection %s closed with %d unconsumed bytes", t.RemoteAddr(), t.framer.Pending())
			}
			return err
		}
	}
}

func (t *tcpTransport) WriteFrame(payload []byte) error {
	var frame []byte
	if payload == nil {
		frame = protocol.WrapKeepalive()
	} else {
		var err error
		if frame, err = protocol.Wrap(payload); err != nil {
			return err
		}
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := t.conn.Write(frame)
	return err
}

func (t *tcpTransport) Close() error { return t.conn.Close() }

func (t *tcpTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

// wsTransport 网关接入的浏览器客户端：一条二进制消息就是一条载荷，
// 不需要长度前缀
type wsTransport struct {
	ws *websocket.Conn
}

func newWSTransport(ws *websocket.Conn) *wsTransport {
	return &wsTransport{ws: ws}
}

func (t *wsTransport) ReadLoop(onPayload func([]byte)) error {
	t.ws.SetReadLimit(protocol.MaxPayloadSize)
	for {
		_, payload, err := t.ws.ReadMessage()
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			onPayload(nil)
			continue
		}
		onPayload(payload)
	}
}

func (t *wsTransport) WriteFrame(payload []byte) error {
	_ = t.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if payload == nil {
		payload = []byte{}
	}
	return t.ws.WriteMessage(websocket.BinaryMessage, payload)
}

func (t *wsTransport) Close() error { return t.ws.Close() }

func (t *wsTransport) RemoteAddr() string { return t.ws.RemoteAddr().String() }

// outMsg 发送队列里的一项；data 为 nil 表示 keepalive
type outMsg struct {
	data []byte
}

// Conn 一个对端连接：整数 id 在接入时发放，贯穿大厅和对局。
// 写走独立协程（发送队列满了就丢，保证事件循环不被慢客户端拖住），
// 读协程把完整载荷投进服务器的事件队列
type Conn struct {
	ID   int
	Name string // 声明过的玩家名，未声明为空

	tr transport

	send      chan outMsg
	closeOnce sync.Once
}

func newConn(id int, tr transport) *Conn {
	return &Conn{
		ID:   id,
		tr:   tr,
		send: make(chan outMsg, sendQueueSize),
	}
}

// Enqueue 把载荷压进发送队列（非阻塞，满则丢弃并返回 false）
func (c *Conn) Enqueue(payload []byte) bool {
	select {
	case c.send <- outMsg{data: payload}:
		return true
	default:
		return false
	}
}

// Close 关闭发送队列；写协程清空队列后关掉底层连接
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// RemoteAddr 对端地址，日志用
func (c *Conn) RemoteAddr() string { return c.tr.RemoteAddr() }

// writePump 独立协程：从队列写出到对端，出错即收尾
func (c *Conn) writePump() {
	defer c.tr.Close()
	for msg := range c.send {
		if err := c.tr.WriteFrame(msg.data); err != nil {
			return
		}
	}
}

// readPump 独立协程：阻塞读，载荷交给 onPayload，
// 任何读错误都折叠成一次 onClosed
func (c *Conn) readPump(onPayload func(*Conn, []byte), onClosed func(*Conn, error)) {
	err := c.tr.ReadLoop(func(payload []byte) {
		onPayload(c, payload)
	})
	onClosed(c, err)
}
