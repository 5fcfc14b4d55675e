package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// HandleAdminConfig 提供运行参数的读取与更新（热更新基本规则）
// GET /admin/config  返回当前可热更字段
// POST /admin/config 以 JSON 载荷更新部分字段
//
// 读写都不直接碰配置：两个方向都投进事件循环，和所有状态变更
// 一样串行执行，避免管理接口和主循环赛跑
func (s *Server) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	type cfg struct {
		CountdownSecs  *int `json:"countdownSecs,omitempty"`
		ReadyThreshold *int `json:"readyThreshold,omitempty"`
		HeartbeatSecs  *int `json:"heartbeatSecs,omitempty"`
	}

	switch r.Method {
	case http.MethodGet:
		snap := make(chan cfg, 1)
		s.post(func() {
			cd := s.cfg.CountdownSecs
			th := s.cfg.ReadyThreshold
			hb := int(time.Duration(s.cfg.HeartbeatInterval) / time.Second)
			snap <- cfg{CountdownSecs: &cd, ReadyThreshold: &th, HeartbeatSecs: &hb}
		})
		select {
		case cur := <-snap:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(cur)
		case <-s.done:
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		}
	case http.MethodPost:
		var body cfg
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		s.post(func() {
			if body.CountdownSecs != nil && *body.CountdownSecs > 0 {
				s.cfg.CountdownSecs = *body.CountdownSecs
			}
			if body.ReadyThreshold != nil && *body.ReadyThreshold >= 2 {
				s.cfg.ReadyThreshold = *body.ReadyThreshold
			}
			if body.HeartbeatSecs != nil && *body.HeartbeatSecs > 0 {
				s.cfg.HeartbeatInterval = Duration(time.Duration(*body.HeartbeatSecs) * time.Second)
			}
			Log.Infof("config updated: countdown=%ds threshold=%d heartbeat=%s",
				s.cfg.CountdownSecs, s.cfg.ReadyThreshold, time.Duration(s.cfg.HeartbeatInterval))
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMetrics 输出运行指标
// GET /metrics
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"metrics": s.metrics.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
