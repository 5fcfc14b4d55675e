package game

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bomberman/protocol"
)

// fakeScheduler 手动触发的定时器，测试里代替真实时钟。
// fireAll 只触发调用时已挂起的定时器，触发过程中新挂的留到下一轮
type fakeTimer struct {
	d         time.Duration
	fn        func()
	cancelled bool
}

type fakeScheduler struct {
	timers []*fakeTimer
}

func (fs *fakeScheduler) After(d time.Duration, fn func()) func() {
	t := &fakeTimer{d: d, fn: fn}
	fs.timers = append(fs.timers, t)
	return func() { t.cancelled = true }
}

func (fs *fakeScheduler) fireAll() {
	pending := fs.timers
	fs.timers = nil
	for _, t := range pending {
		if !t.cancelled {
			t.fn()
		}
	}
}

func (fs *fakeScheduler) pending() int {
	n := 0
	for _, t := range fs.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// fakeSender 记录所有出站包，按指令名检索
type sentPacket struct {
	connID int
	pkt    *protocol.Packet
}

type fakeSender struct {
	sent []sentPacket
}

func (f *fakeSender) SendTo(connID int, pkt *protocol.Packet) {
	f.sent = append(f.sent, sentPacket{connID, pkt})
}

func (f *fakeSender) reset() { f.sent = nil }

// newTestSession 固定随机种子、道具概率 0，保证逐步可控
func newTestSession(names ...string) (*Session, *fakeSender, *fakeScheduler) {
	rules := DefaultRules()
	rules.PowerUpChance = 0

	parts := make([]Participant, len(names))
	for i, n := range names {
		parts[i] = Participant{ConnID: 100 + i, Name: n}
	}
	send := &fakeSender{}
	sched := &fakeScheduler{}
	s := NewSession(rules, parts, send, sched, rand.New(rand.NewSource(42)), zap.NewNop().Sugar())
	return s, send, sched
}

// place 把玩家钉在指定格（绕过移动校验的测试辅助）
func place(s *Session, connID int, p Point) {
	s.Player(connID).Position = p
}

func TestNewSessionSpawnPackets(t *testing.T) {
	s, send, _ := newTestSession("alice", "bob")

	var spawns, others int
	for _, sp := range send.sent {
		switch {
		case sp.pkt.Is("spawn"):
			spawns++
			// 自己的 spawn 第一个字段是自己的玩家 id
			id := s.Player(sp.connID).ID
			assert.Equal(t, fmt.Sprintf("%d", id), sp.pkt.Fields()[0])
		case sp.pkt.Is("spawnother"):
			others++
			// spawnother 带名字字段
			assert.Len(t, sp.pkt.Fields(), 7)
		}
	}
	assert.Equal(t, 2, spawns)
	assert.Equal(t, 2, others)
}

func TestMoveValidation(t *testing.T) {
	s, send, _ := newTestSession("alice", "bob")
	place(s, 100, Point{0, 0})
	place(s, 101, Point{14, 14})
	send.reset()

	tests := []struct {
		name   string
		target Point
	}{
		{"same position", Point{0, 0}},
		{"delta exceeds one tile", Point{2, 0}},
		{"pillar", Point{1, 1}},
		{"out of bounds", Point{-1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send.reset()
			s.Move(100, tt.target)

			require.Len(t, send.sent, 1, "非法移动只回一条给本人")
			assert.Equal(t, 100, send.sent[0].connID)
			assert.True(t, send.sent[0].pkt.Is("move"))
			assert.Equal(t, "bad entry", send.sent[0].pkt.Args)
			assert.Equal(t, Point{0, 0}, s.Player(100).Position, "状态不变")
		})
	}

	// 相邻但在迷雾里的格子同样不可走
	place(s, 100, Point{1, 0})
	send.reset()
	s.Move(100, Point{2, 0})
	require.Len(t, send.sent, 1)
	assert.Equal(t, "bad entry", send.sent[0].pkt.Args)
	assert.Equal(t, Point{1, 0}, s.Player(100).Position)
}

func TestMoveSuccess(t *testing.T) {
	s, send, _ := newTestSession("alice", "bob")
	place(s, 100, Point{0, 0})
	place(s, 101, Point{14, 14})
	send.reset()

	s.MoveDir(100, DirRight)

	assert.Equal(t, Point{1, 0}, s.Player(100).Position)
	require.Len(t, send.sent, 2, "成功的移动广播给双方")
	for _, sp := range send.sent {
		assert.True(t, sp.pkt.Is("moveright"))
		assert.Equal(t, fmt.Sprintf("%d:1:0", s.Player(100).ID), sp.pkt.Args)
	}
}

func TestMoveDeadPlayerRejected(t *testing.T) {
	s, send, _ := newTestSession("alice", "bob")
	place(s, 100, Point{0, 0})
	s.Player(100).Alive = false
	send.reset()

	s.MoveDir(100, DirRight)

	require.Len(t, send.sent, 1)
	assert.Equal(t, "bad entry", send.sent[0].pkt.Args)
}

func TestPlaceBombAndQuota(t *testing.T) {
	s, send, sched := newTestSession("alice", "bob")
	place(s, 100, Point{0, 0})
	place(s, 101, Point{14, 14})
	send.reset()

	s.PlaceBomb(100)

	require.Equal(t, 1, s.LiveBombs())
	assert.True(t, s.Grid().Tile(0, 0).HasBomb)
	assert.Equal(t, 1, sched.pending(), "引信定时器已挂起")

	// 本人收 placebomb，对方收 placebombother（末位带放置者 id）
	require.Len(t, send.sent, 2)
	assert.Equal(t, 100, send.sent[0].connID)
	assert.True(t, send.sent[0].pkt.Is("placebomb"))
	assert.Equal(t, "0:0:1:0", send.sent[0].pkt.Args)
	assert.Equal(t, 101, send.sent[1].connID)
	assert.True(t, send.sent[1].pkt.Is("placebombother"))
	assert.Equal(t, fmt.Sprintf("0:0:1:0:%d", s.Player(100).ID), send.sent[1].pkt.Args)

	// 携弹量 1，第二颗被拒
	send.reset()
	s.MoveDir(100, DirRight)
	send.reset()
	s.PlaceBomb(100)
	require.Len(t, send.sent, 1)
	assert.True(t, send.sent[0].pkt.Is("placebomb"))
	assert.Equal(t, "bad entry", send.sent[0].pkt.Args)
	assert.Equal(t, 1, s.LiveBombs())
}

func TestPlaceBombDuplicatePosition(t *testing.T) {
	s, send, _ := newTestSession("alice", "bob")
	place(s, 100, Point{0, 0})
	place(s, 101, Point{0, 0})
	send.reset()

	s.PlaceBomb(100)
	send.reset()
	s.PlaceBomb(101)

	require.Len(t, send.sent, 1)
	assert.Equal(t, 101, send.sent[0].connID)
	assert.Equal(t, "bad entry", send.sent[0].pkt.Args)
}

// TestDetonateTwoPhase 引信到点上火、清火到点翻格，两阶段各一条广播
func TestDetonateTwoPhase(t *testing.T) {
	s, send, sched := newTestSession("alice", "bob")
	place(s, 100, Point{0, 0})
	place(s, 101, Point{14, 14})
	s.PlaceBomb(100)
	place(s, 100, Point{0, 14})
	send.reset()

	sched.fireAll() // 引信

	phase1 := packetsNamed(send, "detonatePhase1")
	require.Len(t, phase1, 1)
	assert.Equal(t, "0", phase1[0].Fields()[0], "链里只有 0 号炸弹")
	assert.True(t, s.Grid().OnFire(Point{1, 0}))
	assert.True(t, s.Grid().OnFire(Point{0, 1}))
	assert.False(t, s.Grid().Tile(0, 0).HasBomb)
	assert.Equal(t, 0, s.LiveBombs())
	assert.Equal(t, 0, s.Player(100).BombsPlaced, "爆炸归还携弹额度")

	send.reset()
	sched.fireAll() // 清火

	phase2 := packetsNamed(send, "detonatePhase2")
	require.Len(t, phase2, 1)
	assert.Equal(t, "0", phase2[0].Fields()[0])
	assert.False(t, s.Grid().OnFire(Point{1, 0}))
	assert.False(t, s.Grid().OnFire(Point{0, 0}))
}

// TestChainDetonation 爆炸范围里的另一颗炸弹立即连锁。
// 整条链合并为一条 detonatePhase1；清火仍按炸弹各自进行
func TestChainDetonation(t *testing.T) {
	s, send, sched := newTestSession("alice", "bob")
	place(s, 100, Point{0, 0})
	place(s, 101, Point{1, 0})
	s.PlaceBomb(100)
	s.PlaceBomb(101)
	place(s, 100, Point{0, 14})
	place(s, 101, Point{14, 14})
	send.reset()

	// 两根引信都挂着，但第一颗先到点就会把第二颗连锁引爆
	pending := sched.timers
	sched.timers = nil
	pending[0].fn()

	phase1 := packetsNamed(send, "detonatePhase1")
	require.Len(t, phase1, 1, "整条链只广播一次")
	assert.Equal(t, []string{"0", "1"}, strings.Split(phase1[0].Fields()[0], ","))
	assert.Equal(t, 0, s.LiveBombs())

	// 第二颗自己的引信再到点：已引爆，静默返回
	send.reset()
	pending[1].fn()
	assert.Empty(t, packetsNamed(send, "detonatePhase1"))

	// 每颗炸弹各自清火
	send.reset()
	sched.fireAll()
	assert.Len(t, packetsNamed(send, "detonatePhase2"), 2)
	assert.False(t, s.Grid().OnFire(Point{0, 0}))
	assert.False(t, s.Grid().OnFire(Point{1, 0}))
}

// TestOverlappingFireRefcount 两颗不相连锁的炸弹火焰覆盖同一格：
// 先清的那颗不熄该格，最后一个认领撤销时才熄
func TestOverlappingFireRefcount(t *testing.T) {
	s, send, sched := newTestSession("alice", "bob")
	for x := 0; x <= 4; x++ {
		s.Grid().Explore(x, 0)
	}
	p := s.Player(100)
	p.MaxBombs = 2
	p.BombStrength = 2

	place(s, 100, Point{0, 0})
	s.PlaceBomb(100)
	place(s, 100, Point{4, 0})
	s.PlaceBomb(100)
	place(s, 100, Point{0, 14})
	place(s, 101, Point{14, 14})
	send.reset()

	sched.fireAll() // 两根引信同时到点，互相不在对方范围里
	require.Len(t, packetsNamed(send, "detonatePhase1"), 2)
	shared := s.Grid().Tile(2, 0)
	assert.Len(t, shared.FireOwners, 2, "共享格被两颗炸弹认领")

	// 逐颗清火：第一颗撤销后共享格仍在燃烧
	cleanups := sched.timers
	sched.timers = nil
	send.reset()
	cleanups[0].fn()
	assert.True(t, shared.OnFire())
	phase2 := packetsNamed(send, "detonatePhase2")
	require.Len(t, phase2, 1)
	assert.NotContains(t, phase2[0].Args, "2,0", "共享格不在第一颗的清单里")

	send.reset()
	cleanups[1].fn()
	assert.False(t, shared.OnFire())
	phase2 = packetsNamed(send, "detonatePhase2")
	require.Len(t, phase2, 1)
	assert.Contains(t, phase2[0].Args, "2,0")
}

// TestBlastKillsAndCredits 炸死对手记击杀，炸死自己不记
func TestBlastKillsAndCredits(t *testing.T) {
	s, send, sched := newTestSession("alice", "bob")
	alice, bob := s.Player(100), s.Player(101)
	place(s, 100, Point{0, 0})
	place(s, 101, Point{1, 0})
	s.PlaceBomb(100)
	send.reset()

	sched.fireAll()

	assert.False(t, alice.Alive, "站在炸弹上的放置者被炸死")
	assert.False(t, bob.Alive)
	died := packetsNamed(send, "playerdied")
	assert.Len(t, died, 2)

	// alice 炸死 bob 记一功；炸死自己不记
	assert.Equal(t, 1, alice.Kills)
	assert.Equal(t, 0, bob.Kills)
	scores := packetsNamed(send, "showplayers")
	require.Len(t, scores, 1)
	assert.Equal(t, fmt.Sprintf("%d:1", alice.ID), scores[0].Args)
}

// TestHiddenPowerUpRevealed 迷雾里的道具被炸开后随清火显形
func TestHiddenPowerUpRevealed(t *testing.T) {
	s, send, sched := newTestSession("alice", "bob")
	fog := s.Grid().Tile(2, 0)
	require.False(t, fog.Explored)
	fog.PowerUp = PowerUpExtraBomb
	s.Player(100).BombStrength = 2

	place(s, 100, Point{0, 0})
	s.PlaceBomb(100)
	place(s, 100, Point{0, 14})
	place(s, 101, Point{14, 14})
	send.reset()

	sched.fireAll() // 引信
	assert.Equal(t, PowerUpExtraBomb, fog.PowerUp, "迷雾里的道具不被炸毁")
	assert.Empty(t, packetsNamed(send, "spawnpowerup"), "清火之前不显形")

	sched.fireAll() // 清火
	assert.True(t, fog.Explored)
	spawned := packetsNamed(send, "spawnpowerup")
	require.Len(t, spawned, 1)
	assert.Equal(t, fmt.Sprintf("2:0:%d", int(PowerUpExtraBomb)), spawned[0].Args)
}

// TestExposedPowerUpDestroyed 已翻开格子上的道具被爆炸摧毁
func TestExposedPowerUpDestroyed(t *testing.T) {
	s, _, sched := newTestSession("alice", "bob")
	tile := s.Grid().Tile(1, 0)
	tile.PowerUp = PowerUpInvincibility

	place(s, 100, Point{0, 0})
	s.PlaceBomb(100)
	place(s, 100, Point{0, 14})
	place(s, 101, Point{14, 14})

	sched.fireAll()
	assert.Equal(t, PowerUpNone, tile.PowerUp)
}

// TestPickupPowerUps 走到道具格：属性生效、格子清空、两条广播
func TestPickupPowerUps(t *testing.T) {
	s, send, _ := newTestSession("alice", "bob")
	alice := s.Player(100)
	place(s, 100, Point{0, 0})
	place(s, 101, Point{14, 14})

	s.Grid().Tile(1, 0).PowerUp = PowerUpExtraBomb
	send.reset()
	s.MoveDir(100, DirRight)

	assert.Equal(t, 2, alice.MaxBombs)
	assert.Equal(t, PowerUpNone, s.Grid().Tile(1, 0).PowerUp)
	scores := packetsNamed(send, "showplayers")
	require.Len(t, scores, 1)
	assert.Equal(t, fmt.Sprintf("%d:0:2", alice.ID), scores[0].Args)
	picked := packetsNamed(send, "pickuppowerup")
	require.Len(t, picked, 1)
	assert.Equal(t, "1:0", picked[0].Args)

	s.Grid().Tile(2, 0).Explored = true
	s.Grid().Tile(2, 0).PowerUp = PowerUpBombStrength
	send.reset()
	s.MoveDir(100, DirRight)

	assert.Equal(t, 2, alice.BombStrength)
	scores = packetsNamed(send, "showplayers")
	require.Len(t, scores, 1)
	assert.Equal(t, fmt.Sprintf("%d:0:2:2", alice.ID), scores[0].Args)
}

// TestInvincibility 每秒递减、到点广播 stop；到期时站在火里按正常死亡处理
func TestInvincibility(t *testing.T) {
	s, send, sched := newTestSession("alice", "bob")
	alice := s.Player(100)
	place(s, 100, Point{0, 0})
	place(s, 101, Point{14, 14})
	send.reset()

	s.StartInvincibility(alice)
	assert.True(t, alice.Invincible())
	starts := packetsNamed(send, "invincibility")
	require.Len(t, starts, 1)
	assert.Equal(t, fmt.Sprintf("start:%d", alice.ID), starts[0].Args)

	// 无敌期间走进火里不死
	tile := s.Grid().Tile(1, 0)
	tile.AddFire(9)
	s.bombOwners[9] = s.Player(101).ID
	send.reset()
	s.MoveDir(100, DirRight)
	assert.True(t, alice.Alive)

	// 9 次 tick 后还剩 1 秒
	for i := 0; i < 9; i++ {
		sched.fireAll()
	}
	assert.Equal(t, 1, alice.SecondsInvincible)
	assert.True(t, alice.Alive)

	// 第 10 次 tick：stop 广播，站在火里当场死亡
	send.reset()
	sched.fireAll()
	assert.False(t, alice.Invincible())
	stops := packetsNamed(send, "invincibility")
	require.Len(t, stops, 1)
	assert.Equal(t, fmt.Sprintf("stop:%d", alice.ID), stops[0].Args)
	assert.False(t, alice.Alive)

	// 记功给火焰归属者
	assert.Equal(t, 1, s.Player(101).Kills)
}

// TestInvincibilityPickupResets 重复拾取重置倒计时，旧的 tick 链作废
func TestInvincibilityPickupResets(t *testing.T) {
	s, _, sched := newTestSession("alice", "bob")
	alice := s.Player(100)
	place(s, 100, Point{0, 0})
	place(s, 101, Point{14, 14})

	s.StartInvincibility(alice)
	for i := 0; i < 4; i++ {
		sched.fireAll()
	}
	assert.Equal(t, 6, alice.SecondsInvincible)

	s.StartInvincibility(alice)
	assert.Equal(t, 10, alice.SecondsInvincible)

	// 重置后每轮只有一条 tick 链在走
	sched.fireAll()
	assert.Equal(t, 9, alice.SecondsInvincible)
	assert.Equal(t, 1, sched.pending())
}

func TestKillIdempotent(t *testing.T) {
	s, send, _ := newTestSession("alice", "bob", "carol")
	alice := s.Player(100)
	send.reset()

	s.kill(alice, s.Player(101).ID, true)
	s.kill(alice, s.Player(102).ID, true)

	assert.Len(t, packetsNamed(send, "playerdied"), 1, "死亡只广播一次")
	assert.Equal(t, 1, s.Player(101).Kills, "只有第一次记功")
	assert.Equal(t, 0, s.Player(102).Kills)
}

// TestGameOver 存活 ≤1 即终局；重置后幸存连接交还外层
func TestGameOver(t *testing.T) {
	s, send, sched := newTestSession("alice", "bob")
	var survivors []int
	finished := false
	s.OnFinished = func(ids []int) {
		finished = true
		survivors = ids
	}
	send.reset()

	s.kill(s.Player(100), 0, false)
	s.checkGameOver()

	assert.True(t, s.Over())
	over := packetsNamed(send, "gameover")
	require.Len(t, over, 1)
	assert.Equal(t, fmt.Sprintf("%d", s.Player(101).ID), over[0].Args, "胜者是最后存活的玩家")
	assert.False(t, finished, "重置要等延迟定时器")

	sched.fireAll()
	assert.True(t, finished)
	assert.Equal(t, []int{100, 101}, survivors, "死亡但在线的玩家也回大厅")
}

// TestGameOverNoWinner 最后两人同炸，胜者字段为空
func TestGameOverNoWinner(t *testing.T) {
	s, send, sched := newTestSession("alice", "bob")
	place(s, 100, Point{0, 0})
	place(s, 101, Point{1, 0})
	s.PlaceBomb(100)
	send.reset()

	sched.fireAll()

	over := packetsNamed(send, "gameover")
	require.Len(t, over, 1)
	assert.Equal(t, "", over[0].Args)
}

// TestRemovePlayer 断线视作死亡但无人记功；广播照发给剩余玩家
func TestRemovePlayer(t *testing.T) {
	s, send, sched := newTestSession("alice", "bob", "carol")
	send.reset()

	s.RemovePlayer(100)

	assert.False(t, s.Player(100).Alive)
	assert.False(t, s.Player(100).Connected)
	assert.Len(t, packetsNamed(send, "playerdied"), 1)
	assert.Empty(t, packetsNamed(send, "showplayers"), "断线死亡不记功")
	assert.False(t, s.Over(), "还有两人存活")

	var survivors []int
	s.OnFinished = func(ids []int) { survivors = ids }
	s.RemovePlayer(101)
	assert.True(t, s.Over())
	sched.fireAll()
	assert.Equal(t, []int{102}, survivors, "断线的连接不交还大厅")
}

// TestShutdownSilencesTimers 强制关闭后引信不再触发
func TestShutdownSilencesTimers(t *testing.T) {
	s, send, sched := newTestSession("alice", "bob")
	place(s, 100, Point{0, 0})
	place(s, 101, Point{14, 14})
	s.PlaceBomb(100)
	send.reset()

	s.Shutdown()
	sched.fireAll()

	assert.Empty(t, packetsNamed(send, "detonatePhase1"))
}

// packetsNamed 从出站记录里取指定指令的包，广播去重为一条
func packetsNamed(f *fakeSender, name string) []*protocol.Packet {
	var out []*protocol.Packet
	seen := make(map[*protocol.Packet]bool)
	for _, sp := range f.sent {
		if sp.pkt.Is(name) && !seen[sp.pkt] {
			seen[sp.pkt] = true
			out = append(out, sp.pkt)
		}
	}
	return out
}
