package server

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"bomberman/game"
	"bomberman/protocol"
)

const (
	eventQueueSize    = 4096
	heartbeatCheckGap = time.Second
	heartbeatProbeMsg = "Are you alive?"
)

// heartbeatCheck 一个连接的探活状态
type heartbeatCheck struct {
	last      time.Time // 最后一次收到任何入站帧的时间
	probeSent bool      // 探活包已发出且尚未有回音
}

// Server 权威服务器：持有所有连接、大厅和至多一场进行中的对局。
//
// 并发模型：一条事件循环串行执行所有状态变更。读协程收到的
// 数据包、所有定时器回调（引信、清火、无敌、倒计时）都投进
// 同一个事件队列，由 Run 依次消化，共享状态因此不需要锁
type Server struct {
	cfg     *Config
	metrics *Metrics

	events chan func()
	done   chan struct{}
	once   sync.Once

	listener net.Listener
	rng      *rand.Rand

	connSeq    int
	conns      map[int]*Conn
	heartbeats map[int]*heartbeatCheck

	lobby   *Lobby
	session *game.Session
}

// NewServer 创建服务器实例；rng 传 nil 时用时间种子
func NewServer(cfg *Config, rng *rand.Rand) *Server {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s := &Server{
		cfg:        cfg,
		metrics:    &Metrics{},
		events:     make(chan func(), eventQueueSize),
		done:       make(chan struct{}),
		rng:        rng,
		conns:      make(map[int]*Conn),
		heartbeats: make(map[int]*heartbeatCheck),
	}
	s.lobby = newLobby(s)
	return s
}

// Metrics 指标访问器
func (s *Server) Metrics() *Metrics { return s.metrics }

// post 把事件排进主循环。队列写死得足够大，正常负载不会满；
// 真满了说明循环已经僵死，阻塞等待比悄悄丢事件好定位
func (s *Server) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

// After 实现 game.Scheduler：定时器到点后把回调投进事件队列，
// 和网络事件串行执行。返回的取消函数线程安全且可重复调用
func (s *Server) After(d time.Duration, fn func()) (cancel func()) {
	t := time.AfterFunc(d, func() {
		s.post(fn)
	})
	return func() { t.Stop() }
}

// SendTo 实现 game.Sender：按连接 id 发包，连接没了就丢弃
func (s *Server) SendTo(connID int, pkt *protocol.Packet) {
	if c, ok := s.conns[connID]; ok {
		s.sendPacket(c, pkt)
	}
}

// sendPacket 序列化并压进连接的发送队列
func (s *Server) sendPacket(c *Conn, pkt *protocol.Packet) {
	if c.Enqueue(pkt.Encode()) {
		s.metrics.IncPacketsOut()
	} else {
		s.metrics.IncQueueDropped()
		Log.Warnf("send queue full for connection %d (%s), packet %s dropped", c.ID, c.RemoteAddr(), pkt.Name())
	}
}

// Listen 打开 TCP 监听端口
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = l
	Log.Infof("server listening on %s", s.cfg.ListenAddr)
	return nil
}

// Run 主事件循环。接入协程和读协程只投事件，不碰状态；
// 循环退出前给每个客户端发 bye 并关闭资源
func (s *Server) Run() {
	go s.acceptLoop()

	ticker := time.NewTicker(heartbeatCheckGap)
	defer ticker.Stop()

	for {
		select {
		case fn := <-s.events:
			fn()
		case <-ticker.C:
			s.checkHeartbeats()
		case <-s.done:
			s.shutdown()
			return
		}
	}
}

// Stop 触发优雅退出，可从任意协程调用
func (s *Server) Stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Server) shutdown() {
	Log.Info("shutting down, disconnecting all clients")
	if s.session != nil {
		s.session.Shutdown()
		s.session = nil
	}
	bye := protocol.MustNew("bye", "The server is being shutdown.")
	for _, c := range s.conns {
		c.Enqueue(bye.Encode())
		c.Close()
	}
	s.conns = make(map[int]*Conn)
	s.heartbeats = make(map[int]*heartbeatCheck)
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				Log.Errorf("accept failed: %v", err)
			}
			return
		}
		tr := newTCPTransport(conn)
		s.post(func() { s.addConn(tr) })
	}
}

// addConn 接入新连接。满员的直接送客；否则发欢迎语并开始收包
func (s *Server) addConn(tr transport) {
	s.connSeq++
	c := newConn(s.connSeq, tr)
	go c.writePump()

	if len(s.conns) >= s.cfg.MaxPlayers {
		Log.Infof("connection from %s rejected: server is full", c.RemoteAddr())
		c.Enqueue(protocol.MustNew("bye", "Server is full.").Encode())
		c.Close()
		return
	}

	s.conns[c.ID] = c
	s.heartbeats[c.ID] = &heartbeatCheck{last: time.Now()}
	Log.Infof("new connection %d from %s", c.ID, c.RemoteAddr())

	go c.readPump(
		func(c *Conn, payload []byte) {
			s.post(func() { s.onPayload(c, payload) })
		},
		func(c *Conn, err error) {
			s.post(func() { s.onReadClosed(c, err) })
		},
	)

	s.sendPacket(c, protocol.MustNew("message", "Welcome to the Bomberman Server."))
}

// onPayload 一条完整入站载荷。任何入站帧都视作心跳
func (s *Server) onPayload(c *Conn, payload []byte) {
	// 连接可能已在本次事件之前被摘掉，迟到的包直接丢
	if cur, ok := s.conns[c.ID]; !ok || cur != c {
		return
	}

	if hb := s.heartbeats[c.ID]; hb != nil {
		hb.last = time.Now()
		hb.probeSent = false
	}

	pkt, err := protocol.Decode(payload)
	if err != nil {
		Log.Warnf("undecodable payload from connection %d: %v", c.ID, err)
		return
	}
	if pkt == nil {
		s.metrics.IncKeepalives()
		return
	}

	s.metrics.IncPacketsIn()
	if !pkt.Known() {
		s.metrics.IncUnknown()
		Log.Warnf("unknown opcode %d from connection %d, packet dropped", pkt.Op, c.ID)
		return
	}
	s.dispatch(c, pkt)
}

// dispatch 按指令分发。协议错误只丢包不断线
func (s *Server) dispatch(c *Conn, pkt *protocol.Packet) {
	switch pkt.Name() {
	case "heartbeat":
		Log.Debugf("heartbeat response from connection %d: %s", c.ID, pkt.Args)

	case "playername":
		s.lobby.HandleName(c, pkt.Args)

	case "ready":
		s.lobby.HandleReady(c, pkt.Args)
	case "unready":
		s.lobby.HandleReady(c, "0")

	case "bye":
		Log.Infof("connection %d said goodbye", c.ID)
		s.disconnectConn(c, "Goodbye.")

	case "moveup":
		s.handleMove(c, game.DirUp)
	case "movedown":
		s.handleMove(c, game.DirDown)
	case "moveleft":
		s.handleMove(c, game.DirLeft)
	case "moveright":
		s.handleMove(c, game.DirRight)

	case "placebomb":
		if s.session == nil {
			Log.Debugf("placebomb from connection %d outside a match, dropped", c.ID)
			return
		}
		s.session.PlaceBomb(c.ID)

	default:
		Log.Warnf("unhandled packet %s from connection %d, dropped", pkt, c.ID)
	}
}

func (s *Server) handleMove(c *Conn, dir game.Direction) {
	if s.session == nil {
		Log.Debugf("move from connection %d outside a match, dropped", c.ID)
		return
	}
	s.session.MoveDir(c.ID, dir)
}

// checkHeartbeats 每秒巡检：静默超时先探活，探活无果就断开
func (s *Server) checkHeartbeats() {
	interval := time.Duration(s.cfg.HeartbeatInterval)
	now := time.Now()
	var dead []*Conn
	for id, hb := range s.heartbeats {
		c := s.conns[id]
		if c == nil {
			delete(s.heartbeats, id)
			continue
		}
		if now.Sub(hb.last) < interval {
			continue
		}
		if !hb.probeSent {
			hb.probeSent = true
			hb.last = now
			s.sendPacket(c, protocol.MustNew("heartbeat", heartbeatProbeMsg))
			continue
		}
		Log.Infof("connection %d (%s) did not respond to heartbeat check in time, closing down client resources", c.ID, c.RemoteAddr())
		s.metrics.IncHBTimeouts()
		dead = append(dead, c)
	}
	for _, c := range dead {
		s.dropConn(c)
	}
}

// disconnectConn 优雅断开：先送 bye，写协程清空队列后关 socket
func (s *Server) disconnectConn(c *Conn, message string) {
	if _, ok := s.conns[c.ID]; !ok {
		return
	}
	if message == "" {
		message = "Goodbye."
	}
	c.Enqueue(protocol.MustNew("bye", message).Encode())
	s.dropConn(c)
}

// dropConn 把连接从所有集合里摘掉：心跳表、大厅、对局。
// 幂等，迟到的断开事件不会重复处理
func (s *Server) dropConn(c *Conn) {
	if cur, ok := s.conns[c.ID]; !ok || cur != c {
		return
	}
	delete(s.conns, c.ID)
	delete(s.heartbeats, c.ID)
	s.metrics.IncDisconnects()

	s.lobby.Remove(c)
	if s.session != nil {
		s.session.RemovePlayer(c.ID)
	}

	c.Close()
	Log.Infof("connection %d (%s) removed", c.ID, c.RemoteAddr())
}

func (s *Server) onReadClosed(c *Conn, err error) {
	if _, ok := s.conns[c.ID]; !ok {
		return
	}
	Log.Infof("connection %d lost: %v", c.ID, err)
	s.dropConn(c)
}

// startSession 开一场新对局；结束后幸存者回大厅
func (s *Server) startSession(participants []game.Participant) {
	s.metrics.IncMatches()
	s.session = game.NewSession(s.cfg.Rules(), participants, s, s, s.rng, Log)
	s.session.OnFinished = func(survivors []int) {
		s.metrics.IncFinished()
		s.session = nil
		Log.Infof("match finished, %d connection(s) returning to lobby", len(survivors))
		for _, id := range survivors {
			if c, ok := s.conns[id]; ok {
				s.lobby.Return(c)
			}
		}
		// 对局期间记录的就绪状态此刻才能生效：等在大厅里的就绪
		// 成员不该因为没有新事件而干等
		s.lobby.evaluate()
	}
}

// Addr 实际监听地址；配置里端口写 0 时从这里拿真实端口
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Session 当前对局（测试用，可能为 nil）
func (s *Server) Session() *game.Session { return s.session }

// Lobby 大厅访问器（测试用）
func (s *Server) LobbyState() *Lobby { return s.lobby }
