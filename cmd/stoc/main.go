// Command stoc runs a Nova StoC (storage-tier) node: it roots an
// internal/stoc.Store at --db_path and answers the block/sstable/flush
// requests LTC nodes issue against it. In this single-process demo the
// LTC and StoC halves share one internal/rdma.LoopbackClient directly
// (see cmd/ltc), so this binary's own job is to host the store for
// inspection and to stand in for where a real network listener would
// go: accepting RDMA-fabric connections and dispatching them to a
// Store is the extension point a production deployment would fill in.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/nconghau/novadb/internal/config"
	"github.com/nconghau/novadb/internal/stoc"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	debug.SetGCPercent(30)

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.Component != config.ComponentDC {
		fmt.Fprintf(os.Stderr, "stoc: --comp=%s given, expected dc\n", cfg.Component)
		os.Exit(1)
	}

	slog.Info("starting stoc", "pid", os.Getpid(), "server_id", cfg.ServerID, "db_path", cfg.DBPath)

	store, err := stoc.Open(cfg.DBPath, slog.Default())
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	addr := ":6877"
	srv := startAdminServer(store, cfg, addr)
	slog.Info("stoc admin api listening", "addr", addr)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch

	slog.Info("stoc shutting down")
	_ = srv.Close()
}

// startAdminServer exposes health and disk-usage endpoints for
// operational visibility into a StoC node; it carries no read/write
// path of its own, since LTC nodes talk to the Store directly through
// internal/rdma in this deployment.
func startAdminServer(store *stoc.Store, cfg *config.Config, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","server_id":%d}`, cfg.ServerID)
	})
	mux.HandleFunc("/api/usage", func(w http.ResponseWriter, r *http.Request) {
		var total int64
		var fileCount int
		_ = filepath.Walk(cfg.DBPath, func(path string, info os.FileInfo, err error) error {
			if err != nil || info == nil || info.IsDir() {
				return nil
			}
			total += info.Size()
			fileCount++
			return nil
		})
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"bytes":%d,"files":%d,"root":%q}`, total, fileCount, cfg.DBPath)
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("stoc admin server failed", "error", err)
		}
	}()
	return srv
}
