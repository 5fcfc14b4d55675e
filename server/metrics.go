package server

import (
	"sync/atomic"
)

// Metrics 记录服务端运行期的关键指标（用于监控与调试）
type Metrics struct {
	PacketsIn         int64 // 收到的有效数据包数
	PacketsOut        int64 // 发出的数据包数
	Keepalives        int64 // 收到的 keepalive 帧数
	UnknownDropped    int64 // 指令不认识而丢弃的包数
	SendQueueDropped  int64 // 发送队列满被丢弃的包数
	Disconnects       int64 // 断开的连接数
	HeartbeatTimeouts int64 // 探活超时踢掉的连接数
	MatchesStarted    int64 // 开过的对局数
	MatchesFinished   int64 // 结束的对局数
}

func (m *Metrics) IncPacketsIn()    { atomic.AddInt64(&m.PacketsIn, 1) }
func (m *Metrics) IncPacketsOut()   { atomic.AddInt64(&m.PacketsOut, 1) }
func (m *Metrics) IncKeepalives()   { atomic.AddInt64(&m.Keepalives, 1) }
func (m *Metrics) IncUnknown()      { atomic.AddInt64(&m.UnknownDropped, 1) }
func (m *Metrics) IncQueueDropped() { atomic.AddInt64(&m.SendQueueDropped, 1) }
func (m *Metrics) IncDisconnects()  { atomic.AddInt64(&m.Disconnects, 1) }
func (m *Metrics) IncHBTimeouts()   { atomic.AddInt64(&m.HeartbeatTimeouts, 1) }
func (m *Metrics) IncMatches()      { atomic.AddInt64(&m.MatchesStarted, 1) }
func (m *Metrics) IncFinished()     { atomic.AddInt64(&m.MatchesFinished, 1) }

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"packets_in":         atomic.LoadInt64(&m.PacketsIn),
		"packets_out":        atomic.LoadInt64(&m.PacketsOut),
		"keepalives":         atomic.LoadInt64(&m.Keepalives),
		"unknown_dropped":    atomic.LoadInt64(&m.UnknownDropped),
		"send_queue_dropped": atomic.LoadInt64(&m.SendQueueDropped),
		"disconnects":        atomic.LoadInt64(&m.Disconnects),
		"heartbeat_timeouts": atomic.LoadInt64(&m.HeartbeatTimeouts),
		"matches_started":    atomic.LoadInt64(&m.MatchesStarted),
		"matches_finished":   atomic.LoadInt64(&m.MatchesFinished),
	}
}
