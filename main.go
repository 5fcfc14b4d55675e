package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"bomberman/server"
)

// Bomberman 服务端入口：启动 TCP 游戏端口和 HTTP（WebSocket 网关 +
// 监控）端口，收到 Ctrl-C 时给所有客户端送别后退出
func main() {
	var (
		configPath string
		addr       string
	)
	flag.StringVar(&configPath, "config", "", "path to yaml config file (optional)")
	flag.StringVar(&addr, "addr", "", "tcp listen address override, e.g. :5000")
	flag.Parse()

	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		panic(err)
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}

	// 使用第三方 zap 日志库写入文件（带滚动）
	if err := server.InitLogger(cfg.LogFile); err != nil {
		panic(err)
	}
	defer server.SyncLogger()

	srv := server.NewServer(cfg, nil)
	if err := srv.Listen(); err != nil {
		server.Log.Fatalf("listen: %v", err)
	}

	// 管理与监控接口 + WebSocket 网关
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	mux.HandleFunc("/admin/config", srv.HandleAdminConfig)
	mux.HandleFunc("/metrics", srv.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		server.Log.Infof("http gateway listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			server.Log.Fatalf("http listen: %v", err)
		}
	}()

	// 优雅退出（Ctrl-C）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		server.Log.Info("Shutting down...")
		srv.Stop()
		_ = httpSrv.Close()
	}()

	server.Log.Infof("Bomberman server is online and waiting for incoming connections on %s", cfg.ListenAddr)
	srv.Run()
	server.Log.Info("The server has been shut down.")
}
