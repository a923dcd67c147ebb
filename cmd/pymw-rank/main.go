// Command pymw-rank is the rank agent that runs on each cluster node. It
// listens on TCP for task requests from the master, runs each task as a
// local worker process and streams the results back.
//
// Configuration comes from PYMW_RANK_LISTEN_ADDR, PYMW_WORK_DIR,
// PYMW_LAUNCHER and PYMW_LOG_LEVEL.
package main

import (
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/dMaggot/pymw/internal/config"
	"github.com/dMaggot/pymw/internal/rank"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	workDir := cfg.WorkDir
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "pymw-rank-")
		if err != nil {
			log.Fatalf("create work dir: %v", err)
		}
		defer os.RemoveAll(workDir)
	}

	l, err := net.Listen("tcp", cfg.RankListenAddr)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.RankListenAddr, err)
	}

	agent := rank.New(l, workDir, cfg.Launcher, logger)
	logger.Info("pymw-rank listening", "addr", agent.Addr().String(), "work_dir", workDir)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		logger.Info("shutting down", "signal", sig.String())
		agent.Close()
	}()

	if err := agent.Serve(); err != nil {
		logger.Error("serve failed", "error", err)
		os.Exit(1)
	}
}
