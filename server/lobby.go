package server

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"bomberman/game"
	"bomberman/protocol"
)

// lobbySlot 一个已报名的大厅座位
type lobbySlot struct {
	conn  *Conn
	ready bool
}

// Lobby 赛前等待区：管理报名、就绪状态和开赛倒计时。
// 所有方法都在服务器事件循环里调用，不加锁
type Lobby struct {
	srv   *Server
	slots map[int]*lobbySlot // 连接 id -> 座位

	countdownCancel func() // 非 nil 表示倒计时进行中
	countdownGen    int    // 代次：取消后迟到的到点事件靠它作废
	countdownReady  int    // 启动倒计时那一刻的就绪人数
}

func newLobby(srv *Server) *Lobby {
	return &Lobby{
		srv:   srv,
		slots: make(map[int]*lobbySlot),
	}
}

// HandleName 处理报名包。名字大小写不敏感撞车直接请出去；
// 成功后向老成员广播加入，并把现有名单回给新人
func (l *Lobby) HandleName(c *Conn, name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		l.srv.disconnectConn(c, "Invalid player name.")
		return
	}
	if c.Name != "" {
		Log.Warnf("connection %d tried to rename from %q to %q, packet dropped", c.ID, c.Name, name)
		return
	}
	for _, other := range l.srv.conns {
		if other != c && strings.EqualFold(other.Name, name) {
			Log.Infof("name %q already taken, disconnecting connection %d", name, c.ID)
			l.srv.disconnectConn(c, "That name is already in use.")
			return
		}
	}

	c.Name = name
	l.join(c)
	Log.Infof("connection %d joined the lobby as %q", c.ID, name)
}

// join 把已具名的连接放进大厅并同步双方视图
func (l *Lobby) join(c *Conn) {
	joinPkt := protocol.MustNew("joinwaitinglobby", c.Name)
	for _, slot := range l.slots {
		l.srv.sendPacket(slot.conn, joinPkt)
	}

	// 新人拿到完整名单（含自己），就绪状态单独补发
	l.srv.sendPacket(c, joinPkt)
	for _, id := range l.sortedIDs() {
		slot := l.slots[id]
		l.srv.sendPacket(c, protocol.MustNew("joinwaitinglobby", slot.conn.Name))
		if slot.ready {
			l.srv.sendPacket(c, protocol.MustNew("ready", slot.conn.Name))
		}
	}

	l.slots[c.ID] = &lobbySlot{conn: c}
}

// HandleReady 就绪开关（参数 "1"/"0"）。广播新状态后按规则
// 启动、重启或取消倒计时；对局进行中只记录不开新场
func (l *Lobby) HandleReady(c *Conn, arg string) {
	slot := l.slots[c.ID]
	if slot == nil {
		Log.Warnf("ready packet from connection %d which is not in the lobby, dropped", c.ID)
		return
	}

	var ready bool
	switch arg {
	case "1":
		ready = true
	case "0":
		ready = false
	default:
		Log.Warnf("invalid ready argument %q from connection %d, dropped", arg, c.ID)
		return
	}

	slot.ready = ready
	op := "unready"
	if ready {
		op = "ready"
	}
	pkt := protocol.MustNew(op, c.Name)
	for _, s := range l.slots {
		l.srv.sendPacket(s.conn, pkt)
	}

	l.evaluate()
}

// Remove 连接离开大厅（断开或被踢），广播移除并重算倒计时
func (l *Lobby) Remove(c *Conn) {
	if _, ok := l.slots[c.ID]; !ok {
		return
	}
	delete(l.slots, c.ID)
	pkt := protocol.MustNew("removefromwaitinglobby", c.Name)
	for _, s := range l.slots {
		l.srv.sendPacket(s.conn, pkt)
	}
	l.evaluate()
}

// Return 对局结束后幸存连接回到大厅（未就绪状态）
func (l *Lobby) Return(c *Conn) {
	if _, ok := l.srv.conns[c.ID]; !ok {
		return
	}
	l.join(c)
}

// evaluate 就绪状态变动后的统一判定：
//   - 全员就绪（至少 2 人）：取消倒计时，立刻开赛
//   - 就绪人数达到门槛且无对局进行：重启倒计时；人数没变的
//     重复就绪包不重置，否则客户端可以刷包无限拖延开赛
//   - 掉到门槛以下：取消倒计时
func (l *Lobby) evaluate() {
	if l.srv.session != nil {
		return
	}

	total := len(l.slots)
	ready := 0
	for _, s := range l.slots {
		if s.ready {
			ready++
		}
	}

	switch {
	case total >= 2 && ready == total:
		l.stopCountdown(false)
		l.startMatch()
	case ready >= l.srv.cfg.ReadyThreshold:
		if l.countdownCancel == nil || ready != l.countdownReady {
			l.countdownReady = ready
			l.restartCountdown()
		}
	default:
		l.stopCountdown(true)
	}
}

func (l *Lobby) restartCountdown() {
	if l.countdownCancel != nil {
		l.countdownCancel()
	}
	secs := l.srv.cfg.CountdownSecs
	pkt := protocol.MustNew("gamecountdown", fmt.Sprintf("%d", secs))
	for _, s := range l.slots {
		l.srv.sendPacket(s.conn, pkt)
	}
	l.countdownGen++
	gen := l.countdownGen
	l.countdownCancel = l.srv.After(time.Duration(secs)*time.Second, func() {
		if l.countdownGen != gen {
			return
		}
		l.countdownCancel = nil
		l.startMatch()
	})
	Log.Infof("lobby countdown started: %d seconds", secs)
}

// stopCountdown notify=true 时广播 gamecountdown:0 让客户端停表
func (l *Lobby) stopCountdown(notify bool) {
	if l.countdownCancel == nil {
		return
	}
	l.countdownCancel()
	l.countdownCancel = nil
	l.countdownGen++
	l.countdownReady = 0
	if notify {
		pkt := protocol.MustNew("gamecountdown", "0")
		for _, s := range l.slots {
			l.srv.sendPacket(s.conn, pkt)
		}
	}
	Log.Info("lobby countdown cancelled")
}

// startMatch 就绪成员离开大厅进入新对局；留下的人收到逐个移除
func (l *Lobby) startMatch() {
	if l.srv.session != nil {
		return
	}

	var readyIDs []int
	for id, s := range l.slots {
		if s.ready {
			readyIDs = append(readyIDs, id)
		}
	}
	if len(readyIDs) < 2 {
		return
	}
	sort.Ints(readyIDs)

	participants := make([]game.Participant, 0, len(readyIDs))
	for _, id := range readyIDs {
		slot := l.slots[id]
		participants = append(participants, game.Participant{ConnID: id, Name: slot.conn.Name})
		delete(l.slots, id)
	}

	// 留在大厅的人把参战者从名单里划掉
	for _, s := range l.slots {
		for _, p := range participants {
			l.srv.sendPacket(s.conn, protocol.MustNew("removefromwaitinglobby", p.Name))
		}
	}

	start := protocol.MustNew("gamestart", "")
	for _, p := range participants {
		if c, ok := l.srv.conns[p.ConnID]; ok {
			l.srv.sendPacket(c, start)
		}
	}

	l.srv.startSession(participants)
}

// Contains 连接是否在大厅里
func (l *Lobby) Contains(connID int) bool {
	_, ok := l.slots[connID]
	return ok
}

// Ready 该连接是否已就绪
func (l *Lobby) Ready(connID int) bool {
	s := l.slots[connID]
	return s != nil && s.ready
}

// CountdownRunning 倒计时是否进行中
func (l *Lobby) CountdownRunning() bool {
	return l.countdownCancel != nil
}

func (l *Lobby) sortedIDs() []int {
	ids := make([]int, 0, len(l.slots))
	for id := range l.slots {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
