package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/nconghau/novadb/internal/fragment"
)

const (
	maxRequestBodySize = 10 * 1024 * 1024
	maxConcurrentReq   = 100
	requestTimeout     = 30 * time.Second
	shutdownTimeout    = 30 * time.Second
)

// httpServer is the admin/debug HTTP API every ltc node exposes: health,
// metrics, fragment status, and a raw key/value surface for ad hoc
// inspection. It never replaces the RDMA fabric real clients use.
type httpServer struct {
	httpServer *http.Server
	semaphore  chan struct{}
	shutdown   chan os.Signal
	wg         sync.WaitGroup
}

func startHTTPServer(n *node, addr string) *httpServer {
	s := &httpServer{
		semaphore: make(chan struct{}, maxConcurrentReq),
		shutdown:  make(chan os.Signal, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.withMiddleware(handleHealth))
	mux.HandleFunc("/api/stats", s.withMiddleware(handleStats))
	mux.HandleFunc("/api/metrics", s.withMiddleware(n.handleMetrics))
	mux.HandleFunc("/api/fragments", s.withMiddleware(n.handleFragments))
	mux.HandleFunc("/api/_compact", s.withMiddleware(n.handleCompactAll))
	mux.HandleFunc("/api/kv/", s.withMiddleware(n.handleKV))

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	})

	s.httpServer = &http.Server{
		Addr:           addr,
		Handler:        c.Handler(mux),
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	log.Printf("[http] admin api starting on %s", addr)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[http] server failed: %v", err)
		}
	}()

	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	go s.handleShutdown(n)

	return s
}

// startMetadataServer runs the mc role's HTTP surface: fragment routing
// only, no engine to query.
func startMetadataServer(table *fragment.Table, addr string) *httpServer {
	s := &httpServer{semaphore: make(chan struct{}, maxConcurrentReq), shutdown: make(chan os.Signal, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.withMiddleware(handleHealth))
	mux.HandleFunc("/api/fragments", s.withMiddleware(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, fragmentSummaries(table))
	}))

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	log.Printf("[http] mc routing api starting on %s", addr)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[http] server failed: %v", err)
		}
	}()
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-s.shutdown
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
		os.Exit(0)
	}()
	return s
}

func (s *httpServer) handleShutdown(n *node) {
	<-s.shutdown
	log.Println("[http] shutting down gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("[http] shutdown error: %v", err)
	}

	n.closeAll()
	s.wg.Wait()
	log.Println("[http] server stopped")
	os.Exit(0)
}

func (s *httpServer) withMiddleware(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		r = r.WithContext(ctx)

		select {
		case s.semaphore <- struct{}{}:
			defer func() { <-s.semaphore }()
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "server too busy")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		start := time.Now()
		handler(w, r)

		slog.LogAttrs(r.Context(), slog.LevelInfo, "http request",
			slog.String("component", "http"),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}
}

func fragmentSummaries(table *fragment.Table) []map[string]any {
	frags := table.Fragments()
	out := make([]map[string]any, 0, len(frags))
	for _, f := range frags {
		out = append(out, map[string]any{
			"name":        f.Name(),
			"key_start":   f.KeyStart,
			"key_end":     f.KeyEnd,
			"home_ltc_id": f.HomeLTCID,
			"worker_id":   f.WorkerID,
			"open":        f.DB != nil,
		})
	}
	return out
}

func (n *node) handleFragments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, fragmentSummaries(n.table))
}

func (n *node) handleMetrics(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	for _, f := range n.table.Fragments() {
		if f.DB != nil {
			out[f.Name()] = f.DB.GetMetrics()
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (n *node) handleCompactAll(w http.ResponseWriter, r *http.Request) {
	go func() {
		for _, f := range n.table.Fragments() {
			if f.DB == nil {
				continue
			}
			if err := f.DB.Compact(context.Background()); err != nil {
				slog.Error("compaction error", "fragment", f.Name(), "error", err)
			}
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "compaction started"})
}

// handleKV serves /api/kv/<key>: GET reads, POST/PUT writes the request
// body as the value, DELETE removes. The key is routed to whichever
// local fragment owns it; keys outside this node's fragments 404.
func (n *node) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/kv/")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}

	f := n.table.Lookup([]byte(key))
	if f == nil || f.DB == nil {
		writeError(w, http.StatusNotFound, "key not owned by this node")
		return
	}

	switch r.Method {
	case http.MethodGet:
		val, err := f.DB.Get(r.Context(), []byte(key))
		if err != nil {
			writeError(w, http.StatusNotFound, "key not found")
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(val)
	case http.MethodPost, http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}
		defer r.Body.Close()
		if err := f.DB.Put(r.Context(), []byte(key), body); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "key": key})
	case http.MethodDelete:
		if err := f.DB.Delete(r.Context(), []byte(key)); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "key": key})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not supported")
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleStats(w http.ResponseWriter, r *http.Request) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get process info")
		return
	}
	cpuPercent, _ := p.CPUPercent()
	memInfo, _ := p.MemoryInfo()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	totalCPU, _ := cpu.Percent(0, false)
	vm, _ := mem.VirtualMemory()

	stats := map[string]any{
		"process_cpu_percent": cpuPercent,
		"process_rss_mb":      memInfo.RSS / 1024 / 1024,
		"go_num_goroutine":    runtime.NumGoroutine(),
		"go_heap_alloc_mb":    m.HeapAlloc / 1024 / 1024,
		"go_num_gc":           m.NumGC,
		"system_cpu_percent":  0.0,
		"system_mem_total_mb": 0,
	}
	if len(totalCPU) > 0 {
		stats["system_cpu_percent"] = totalCPU[0]
	}
	if vm != nil {
		stats["system_mem_total_mb"] = vm.Total / 1024 / 1024
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[http] failed to encode json response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message, "status": status})
}
