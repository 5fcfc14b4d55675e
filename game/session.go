package game

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"bomberman/protocol"
)

// Sender 会话的出站通道，由网络层实现。
// 会话只认连接 id，不知道 socket 的存在
type Sender interface {
	SendTo(connID int, pkt *protocol.Packet)
}

// Scheduler 定时器注入点。实现方必须把回调排进主事件循环执行，
// 保证定时器和网络事件串行，不允许并发改会话状态。
// 返回的取消函数可以安全地多次调用
type Scheduler interface {
	After(d time.Duration, fn func()) (cancel func())
}

// Direction 移动方向
type Direction int

const (
	DirNone Direction = iota
	DirUp
	DirDown
	DirLeft
	DirRight
)

// Delta 方向对应的格子位移
func (d Direction) Delta() (dx, dy int) {
	switch d {
	case DirUp:
		return 0, -1
	case DirDown:
		return 0, 1
	case DirLeft:
		return -1, 0
	case DirRight:
		return 1, 0
	}
	return 0, 0
}

// opcode 成功回显用的指令名
func (d Direction) opcode() string {
	switch d {
	case DirUp:
		return "moveup"
	case DirDown:
		return "movedown"
	case DirLeft:
		return "moveleft"
	case DirRight:
		return "moveright"
	}
	return "move"
}

// Rules 一局的规则参数，由服务器配置填充
type Rules struct {
	GridWidth     int
	GridHeight    int
	PowerUpChance int // 百分比

	BombFuse           time.Duration
	FireCleanup        time.Duration
	InvincibilitySecs  int
	GameOverResetDelay time.Duration
}

// DefaultRules 原版常数：15×15 地图、3 秒引信、1.25 秒清火、
// 10 秒无敌、结束后 3 秒重置
func DefaultRules() Rules {
	return Rules{
		GridWidth:          15,
		GridHeight:         15,
		PowerUpChance:      25,
		BombFuse:           3 * time.Second,
		FireCleanup:        1250 * time.Millisecond,
		InvincibilitySecs:  10,
		GameOverResetDelay: 3 * time.Second,
	}
}

// Participant 开局时的一名参战连接
type Participant struct {
	ConnID int
	Name   string
}

// Session 一场进行中的对局：同一时刻最多一个实例。
// 所有方法都必须在服务器的事件循环里调用，内部不加锁
type Session struct {
	rules Rules
	send  Sender
	sched Scheduler
	log   *zap.SugaredLogger

	grid        *Grid
	bombs       map[Point]*Bomb
	players     map[int]*Player // 连接 id -> 玩家
	playersByID map[int]*Player // 玩家 id -> 玩家
	bombOwners  map[int]int     // 炸弹 id -> 玩家 id，火焰归属查询用

	bombSeq int
	over    bool
	closed  bool

	cancels      map[int]func()
	cancelSeq    int
	invincCancel map[int]func() // 玩家 id -> 无敌倒计时取消
	invincGen    map[int]int    // 倒计时代次：取消后迟到的 tick 靠它作废

	// OnFinished 对局重置完成后回调，参数是仍然在线的连接 id
	OnFinished func(survivors []int)
}

// NewSession 开局：生成地图、埋道具、给每名玩家发出生点和颜色，
// 并向所有参战者广播出生包
func NewSession(rules Rules, participants []Participant, send Sender, sched Scheduler, rng *rand.Rand, log *zap.SugaredLogger) *Session {
	s := &Session{
		rules:        rules,
		send:         send,
		sched:        sched,
		log:          log,
		grid:         NewGrid(rules.GridWidth, rules.GridHeight, rng),
		bombs:        make(map[Point]*Bomb),
		players:      make(map[int]*Player),
		playersByID:  make(map[int]*Player),
		bombOwners:   make(map[int]int),
		cancels:      make(map[int]func()),
		invincCancel: make(map[int]func()),
		invincGen:    make(map[int]int),
	}
	s.grid.SeedPowerUps(rules.PowerUpChance)

	for i, part := range participants {
		p := newPlayer(i, part.Name, s.grid.TakeSpawnPosition(), s.grid.TakeColor())
		s.players[part.ConnID] = p
		s.playersByID[p.ID] = p
	}

	// 自己的出生点，以及互相的出生点
	for connID, p := range s.players {
		c := p.Color
		s.send.SendTo(connID, protocol.MustNew("spawn",
			fmt.Sprintf("%d:%d:%d:%d:%d:%d", p.ID, p.Position.X, p.Position.Y, c.R, c.G, c.B)))
		for otherConn, other := range s.players {
			if otherConn == connID {
				continue
			}
			oc := other.Color
			s.send.SendTo(connID, protocol.MustNew("spawnother",
				fmt.Sprintf("%d:%d:%d:%s:%d:%d:%d", other.ID, other.Position.X, other.Position.Y, other.Name, oc.R, oc.G, oc.B)))
		}
	}

	log.Infof("session started: %d players on %dx%d grid", len(participants), rules.GridWidth, rules.GridHeight)
	return s
}

// Grid 地图访问器（测试用）
func (s *Session) Grid() *Grid { return s.grid }

// Player 按连接 id 取玩家；不存在返回 nil
func (s *Session) Player(connID int) *Player { return s.players[connID] }

// PlayerByID 按玩家 id 取玩家
func (s *Session) PlayerByID(id int) *Player { return s.playersByID[id] }

// Over 对局是否已分出胜负
func (s *Session) Over() bool { return s.over }

// LiveBombs 当前未爆的炸弹数
func (s *Session) LiveBombs() int { return len(s.bombs) }

// schedule 包一层定时器：回调进事件循环后先检查会话是否已关闭
func (s *Session) schedule(d time.Duration, fn func()) {
	s.cancelSeq++
	id := s.cancelSeq
	cancel := s.sched.After(d, func() {
		delete(s.cancels, id)
		if s.closed {
			return
		}
		fn()
	})
	s.cancels[id] = cancel
}

func (s *Session) stopTimers() {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = make(map[int]func())
	for _, cancel := range s.invincCancel {
		cancel()
	}
	s.invincCancel = make(map[int]func())
}

// broadcast 发给所有仍在线的参战连接
func (s *Session) broadcast(pkt *protocol.Packet) {
	for connID, p := range s.players {
		if p.Connected {
			s.send.SendTo(connID, pkt)
		}
	}
}

// MoveDir 按方向移动一格（新协议：方向即指令，不带参数）
func (s *Session) MoveDir(connID int, dir Direction) {
	p := s.players[connID]
	if p == nil {
		return
	}
	dx, dy := dir.Delta()
	s.Move(connID, Point{p.Position.X + dx, p.Position.Y + dy})
}

// Move 移动到目标格。校验失败只回 "bad entry"，状态不变：
// 单轴位移超过一格、原地不动、目标不可走、玩家已死都算非法
func (s *Session) Move(connID int, target Point) {
	p := s.players[connID]
	if p == nil {
		return
	}

	reject := func(reason string) {
		s.log.Debugf("move rejected for player %d: %s", p.ID, reason)
		s.send.SendTo(connID, protocol.MustNew("move", "bad entry"))
	}

	if !p.Alive {
		reject("player is dead")
		return
	}
	dx := target.X - p.Position.X
	dy := target.Y - p.Position.Y
	if dx > 1 || dx < -1 || dy > 1 || dy < -1 {
		reject("delta exceeds one tile")
		return
	}
	if dx == 0 && dy == 0 {
		reject("same position")
		return
	}
	if !s.grid.CanMove(target.X, target.Y) {
		reject("target not traversable")
		return
	}

	p.Position = target

	op := deltaOpcode(dx, dy)
	s.broadcast(protocol.MustNew(op, fmt.Sprintf("%d:%d:%d", p.ID, target.X, target.Y)))

	// 新位置可能正在燃烧，也可能踩到道具
	if s.grid.OnFire(target) && !p.Invincible() {
		killer, ok := s.fireOwnerAt(target)
		s.kill(p, killer, ok)
		s.checkGameOver()
		return
	}
	s.checkPowerUp(connID, p)
}

func deltaOpcode(dx, dy int) string {
	switch {
	case dx == 0 && dy == -1:
		return DirUp.opcode()
	case dx == 0 && dy == 1:
		return DirDown.opcode()
	case dx == -1 && dy == 0:
		return DirLeft.opcode()
	case dx == 1 && dy == 0:
		return DirRight.opcode()
	}
	return "move"
}

// fireOwnerAt 找出该格火焰的归属玩家（多颗炸弹时取最早的一颗）
func (s *Session) fireOwnerAt(pos Point) (playerID int, ok bool) {
	tile := s.grid.Tile(pos.X, pos.Y)
	if tile == nil || len(tile.FireOwners) == 0 {
		return 0, false
	}
	ids := make([]int, 0, len(tile.FireOwners))
	for id := range tile.FireOwners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	owner, found := s.bombOwners[ids[0]]
	return owner, found
}

// PlaceBomb 在玩家脚下放一颗炸弹。超出携弹量、位置已有炸弹、
// 位置正在燃烧都会被拒绝
func (s *Session) PlaceBomb(connID int) {
	p := s.players[connID]
	if p == nil {
		return
	}

	reject := func(reason string) {
		s.log.Debugf("bomb rejected for player %d: %s", p.ID, reason)
		s.send.SendTo(connID, protocol.MustNew("placebomb", "bad entry"))
	}

	pos := p.Position
	tile := s.grid.Tile(pos.X, pos.Y)
	if !p.Alive {
		reject("player is dead")
		return
	}
	if p.BombsPlaced >= p.MaxBombs {
		reject("bomb quota reached")
		return
	}
	if _, exists := s.bombs[pos]; exists || tile.HasBomb {
		reject("position already has a bomb")
		return
	}
	if tile.OnFire() {
		reject("position is on fire")
		return
	}

	bomb := &Bomb{
		ID:       s.bombSeq,
		Position: pos,
		Strength: p.BombStrength,
		OwnerID:  p.ID,
	}
	s.bombSeq++
	s.bombs[pos] = bomb
	s.bombOwners[bomb.ID] = p.ID
	tile.HasBomb = true
	p.BombsPlaced++

	s.send.SendTo(connID, protocol.MustNew("placebomb",
		fmt.Sprintf("%d:%d:%d:%d", pos.X, pos.Y, bomb.Strength, bomb.ID)))
	other := protocol.MustNew("placebombother",
		fmt.Sprintf("%d:%d:%d:%d:%d", pos.X, pos.Y, bomb.Strength, bomb.ID, p.ID))
	for otherConn, op := range s.players {
		if otherConn != connID && op.Connected {
			s.send.SendTo(otherConn, other)
		}
	}

	s.schedule(s.rules.BombFuse, func() { s.Detonate(bomb) })
	s.log.Infof("player %d placed bomb %d at (%d,%d) strength %d", p.ID, bomb.ID, pos.X, pos.Y, bomb.Strength)
}

// detonation 一次连锁爆炸的累加器：引爆的炸弹、波及的格子、
// 烧到的玩家，整条链只广播一次
type detonation struct {
	bombs   []*Bomb
	cells   []Point
	cellSet map[Point]struct{}
	victims []*Player
	killers map[int]int // 玩家 id -> 记功的玩家 id
}

func (d *detonation) addCell(p Point) {
	if _, ok := d.cellSet[p]; !ok {
		d.cellSet[p] = struct{}{}
		d.cells = append(d.cells, p)
	}
}

// Detonate 第一阶段（点火）。引信到点后立即执行：炸弹出表、
// 火焰上格、连锁引爆处在爆炸范围里的其他炸弹，整条链的
// 炸弹 id 和波及格子合并成一条 detonatePhase1 广播
func (s *Session) Detonate(bomb *Bomb) {
	if bomb.Detonated || s.closed {
		return
	}
	acc := &detonation{
		cellSet: make(map[Point]struct{}),
		killers: make(map[int]int),
	}
	s.ignite(bomb, acc)

	ids := make([]string, len(acc.bombs))
	for i, b := range acc.bombs {
		ids[i] = fmt.Sprintf("%d", b.ID)
	}
	parts := []string{strings.Join(ids, ",")}
	for _, c := range acc.cells {
		parts = append(parts, fmt.Sprintf("%d,%d", c.X, c.Y))
	}
	s.broadcast(protocol.MustNew("detonatePhase1", strings.Join(parts, ":")))
	s.log.Infof("detonated chain of %d bomb(s), %d cells on fire", len(acc.bombs), len(acc.cells))

	// 火焰先上屏，再通告死亡；整条链的死亡都落地后才判终局，
	// 同归于尽时胜者字段为空
	for _, victim := range acc.victims {
		killer, hasKiller := acc.killers[victim.ID]
		s.kill(victim, killer, hasKiller)
	}
	if len(acc.victims) > 0 {
		s.checkGameOver()
	}

	for _, b := range acc.bombs {
		b := b
		s.schedule(s.rules.FireCleanup, func() { s.cleanup(b) })
	}
}

// ignite 深度优先展开连锁。Detonated 标志兼作环路保护：
// 链里已引爆的炸弹不会被二次触发
func (s *Session) ignite(bomb *Bomb, acc *detonation) {
	bomb.Detonated = true
	acc.bombs = append(acc.bombs, bomb)

	tile := s.grid.Tile(bomb.Position.X, bomb.Position.Y)
	tile.HasBomb = false
	delete(s.bombs, bomb.Position)

	if owner := s.playersByID[bomb.OwnerID]; owner != nil && owner.BombsPlaced > 0 {
		owner.BombsPlaced--
	}

	for _, pos := range bomb.BlastCells(s.grid) {
		cell := s.grid.Tile(pos.X, pos.Y)

		// 已翻开且还没着火的道具会被炸毁
		if !cell.OnFire() && cell.Explored && cell.PowerUp != PowerUpNone {
			cell.PowerUp = PowerUpNone
		}

		cell.AddFire(bomb.ID)
		acc.addCell(pos)

		// 第一颗烧到该玩家的炸弹记功，后续链环不重复计
		for _, p := range s.players {
			if p.Alive && p.Position == pos && !p.Invincible() {
				if _, seen := acc.killers[p.ID]; !seen {
					acc.victims = append(acc.victims, p)
					acc.killers[p.ID] = bomb.OwnerID
				}
			}
		}

		if other, ok := s.bombs[pos]; ok && !other.Detonated {
			s.ignite(other, acc)
		}
	}
}

// cleanup 第二阶段（清火）。只撤销本炸弹的火焰认领；
// 集合清空的格子才真正熄火、翻开、显形道具。
// 还被别的炸弹认领的格子留给那颗炸弹处理
func (s *Session) cleanup(bomb *Bomb) {
	var cleared []Point
	for _, pos := range bomb.BlastCells(s.grid) {
		cell := s.grid.Tile(pos.X, pos.Y)
		if _, claimed := cell.FireOwners[bomb.ID]; !claimed {
			continue
		}
		if cell.RemoveFire(bomb.ID) {
			cell.Explored = true
			cleared = append(cleared, pos)
		}
	}

	parts := []string{fmt.Sprintf("%d", bomb.ID)}
	for _, c := range cleared {
		parts = append(parts, fmt.Sprintf("%d,%d", c.X, c.Y))
	}
	s.broadcast(protocol.MustNew("detonatePhase2", strings.Join(parts, ":")))

	// 道具显形单独广播，保证客户端先清火后见道具
	for _, pos := range cleared {
		cell := s.grid.Tile(pos.X, pos.Y)
		if cell.PowerUp != PowerUpNone {
			s.broadcast(protocol.MustNew("spawnpowerup",
				fmt.Sprintf("%d:%d:%d", pos.X, pos.Y, int(cell.PowerUp))))
		}
	}
}

// checkPowerUp 玩家走到道具格：生效、清格、广播拾取
func (s *Session) checkPowerUp(connID int, p *Player) {
	cell := s.grid.Tile(p.Position.X, p.Position.Y)
	if cell == nil || cell.PowerUp == PowerUpNone {
		return
	}

	switch cell.PowerUp {
	case PowerUpExtraBomb:
		p.MaxBombs++
		s.broadcast(protocol.MustNew("showplayers",
			fmt.Sprintf("%d:%d:%d", p.ID, p.Kills, p.MaxBombs)))
	case PowerUpBombStrength:
		p.BombStrength++
		s.broadcast(protocol.MustNew("showplayers",
			fmt.Sprintf("%d:%d:%d:%d", p.ID, p.Kills, p.MaxBombs, p.BombStrength)))
	case PowerUpInvincibility:
		s.StartInvincibility(p)
	}

	cell.PowerUp = PowerUpNone
	s.broadcast(protocol.MustNew("pickuppowerup",
		fmt.Sprintf("%d:%d", p.Position.X, p.Position.Y)))
	s.log.Infof("player %d picked up a power-up at (%d,%d)", p.ID, p.Position.X, p.Position.Y)
}

// StartInvincibility 10 秒无敌，每秒递减。重复拾取重置倒计时。
// 倒计时归零时若正站在火里，按正常死亡路径处理
func (s *Session) StartInvincibility(p *Player) {
	p.SecondsInvincible = s.rules.InvincibilitySecs
	if cancel, ok := s.invincCancel[p.ID]; ok {
		cancel()
	}
	s.invincGen[p.ID]++
	s.broadcast(protocol.MustNew("invincibility", fmt.Sprintf("start:%d", p.ID)))
	s.scheduleInvincibilityTick(p, s.invincGen[p.ID])
}

func (s *Session) scheduleInvincibilityTick(p *Player, gen int) {
	s.invincCancel[p.ID] = s.sched.After(time.Second, func() {
		// 取消发生后才入队的迟到 tick 按代次作废
		if s.closed || s.invincGen[p.ID] != gen {
			return
		}
		p.SecondsInvincible--
		if p.SecondsInvincible > 0 {
			s.scheduleInvincibilityTick(p, gen)
			return
		}
		p.SecondsInvincible = 0
		delete(s.invincCancel, p.ID)
		s.broadcast(protocol.MustNew("invincibility", fmt.Sprintf("stop:%d", p.ID)))

		// 无敌耗尽时正站在火里：到期即死，不提前
		if p.Alive && s.grid.OnFire(p.Position) {
			killer, ok := s.fireOwnerAt(p.Position)
			s.kill(p, killer, ok)
			s.checkGameOver()
		}
	})
}

// kill 处死玩家。幂等：已死的玩家直接返回。
// 自杀不记功；击杀数变动随 showplayers 广播。
// 终局判定由调用方在本批死亡全部落地后执行
func (s *Session) kill(victim *Player, killerID int, hasKiller bool) {
	if !victim.Alive {
		return
	}
	victim.Alive = false
	s.broadcast(protocol.MustNew("playerdied", fmt.Sprintf("%d", victim.ID)))
	s.log.Infof("player %d died", victim.ID)

	if hasKiller && killerID != victim.ID {
		if killer := s.playersByID[killerID]; killer != nil {
			killer.Kills++
			s.broadcast(protocol.MustNew("showplayers",
				fmt.Sprintf("%d:%d", killer.ID, killer.Kills)))
		}
	}
}

// RemovePlayer 连接断开：状态冻结，视作死亡但无人记功。
// 已死玩家只摘 Connected 标志，不再广播
func (s *Session) RemovePlayer(connID int) {
	p := s.players[connID]
	if p == nil {
		return
	}
	p.Connected = false
	if cancel, ok := s.invincCancel[p.ID]; ok {
		cancel()
		delete(s.invincCancel, p.ID)
		s.invincGen[p.ID]++
	}
	if p.Alive {
		s.kill(p, 0, false)
		s.checkGameOver()
	}
}

// checkGameOver 存活 ≤1 触发终局：广播胜者，延迟后整体重置
func (s *Session) checkGameOver() {
	if s.over {
		return
	}
	alive := 0
	var winner *Player
	for _, p := range s.players {
		if p.Alive {
			alive++
			winner = p
		}
	}
	if alive > 1 {
		return
	}

	s.over = true
	winnerArg := ""
	if winner != nil {
		winnerArg = fmt.Sprintf("%d", winner.ID)
	}
	s.broadcast(protocol.MustNew("gameover", winnerArg))
	s.log.Infof("game over, winner: %q", winnerArg)

	s.schedule(s.rules.GameOverResetDelay, s.finish)
}

// finish 终局重置：停掉所有对局定时器，把在线玩家交还给外层
func (s *Session) finish() {
	if s.closed {
		return
	}
	s.closed = true
	s.stopTimers()

	var survivors []int
	for connID, p := range s.players {
		if p.Connected {
			survivors = append(survivors, connID)
		}
	}
	sort.Ints(survivors)
	if s.OnFinished != nil {
		s.OnFinished(survivors)
	}
}

// Shutdown 外层强制关闭（比如服务器退出），保证定时器不再触发
func (s *Session) Shutdown() {
	if s.closed {
		return
	}
	s.closed = true
	s.stopTimers()
}
