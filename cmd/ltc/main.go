// Command ltc runs a Nova LTC (compute-tier) node: it opens one lsm.DB per
// local fragment, serves Get/Put/Delete over a fragment table, drives
// flush/compaction/migration in the background, and exposes an HTTP admin
// API plus an interactive CLI shell.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/chzyer/readline"

	"github.com/nconghau/novadb/internal/config"
	"github.com/nconghau/novadb/internal/fragment"
	"github.com/nconghau/novadb/internal/lsm"
	"github.com/nconghau/novadb/internal/rdma"
	"github.com/nconghau/novadb/internal/slab"
	"github.com/nconghau/novadb/internal/stoc"
)

// node is everything an ltc process holds once started: its fragment
// table, the client connecting it to its StoC node, and the resources
// every fragment's DB shares.
type node struct {
	cfg    *config.Config
	table  *fragment.Table
	client rdma.BlockClient
	slab   *slab.Manager
	log    *slog.Logger
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if memLimit := os.Getenv("GOMEMLIMIT"); memLimit != "" {
		slog.Info("GOMEMLIMIT set", "value", memLimit)
	}
	debug.SetGCPercent(30)
	runtime.GOMAXPROCS(runtime.NumCPU())

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	slog.Info("starting ltc", "pid", os.Getpid(), "server_id", cfg.ServerID, "comp", cfg.Component)

	switch cfg.Component {
	case config.ComponentDC:
		fmt.Fprintln(os.Stderr, "ltc: --comp=dc runs under cmd/stoc, not cmd/ltc")
		os.Exit(1)
	case config.ComponentMC:
		runMetadataCoordinator(cfg)
		return
	}

	n, err := newNode(cfg)
	if err != nil {
		slog.Error("failed to start node", "error", err)
		os.Exit(1)
	}
	defer n.closeAll()

	srv := startHTTPServer(n, ":6866")
	_ = srv

	if os.Getenv("MODE") == "server" {
		log.Println("[ltc] running in server-only mode")
		waitForSignal()
		return
	}

	printUsage(cfg)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[33mltc> \033[0m",
		HistoryFile:     "/tmp/nova-ltc.history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer{n: n},
	})
	if err != nil {
		log.Fatal(err)
	}
	defer rl.Close()

	runCLI(n, rl)
}

// newNode opens the StoC-facing transport, the fragment table for this
// server id, and one lsm.DB per fragment this server is the home for.
func newNode(cfg *config.Config) (*node, error) {
	store, err := stoc.Open(cfg.DBPath, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("ltc: open local store: %w", err)
	}
	client := rdma.NewLoopbackClient(store, cfg.CCNumAsyncWorkers, slog.Default())

	budgetBytes := int64(cfg.MemPoolSizeGB) * 1024 * 1024 * 1024
	slabMgr := slab.NewManager(budgetBytes)

	var frags []*fragment.Fragment
	if cfg.CCConfigPath != "" {
		frags, err = fragment.ReadFragments(cfg.CCConfigPath)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("ltc: read fragment config: %w", err)
		}
	}
	table, err := fragment.NewTable(fragment.ModeRange, frags)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ltc: build fragment table: %w", err)
	}

	n := &node{cfg: cfg, table: table, client: client, slab: slabMgr, log: slog.Default()}

	memLimit := int64(cfg.CCWriteBufferSizeMB) * 1024 * 1024
	for _, f := range frags {
		if f.HomeLTCID != cfg.ServerID {
			continue
		}
		name := f.Name()
		walDir := fmt.Sprintf("%s/wal/%s", cfg.DBPath, name)
		if err := os.MkdirAll(walDir, 0o755); err != nil {
			n.closeAll()
			return nil, fmt.Errorf("ltc: make wal dir for %s: %w", name, err)
		}
		db, err := lsm.Open(context.Background(), name, client, slabMgr, lsm.Options{
			WALDir:             walDir,
			MemTableBytesLimit: memLimit,
		}, slog.Default())
		if err != nil {
			n.closeAll()
			return nil, fmt.Errorf("ltc: open fragment %s: %w", name, err)
		}
		f.DB = db
		slog.Info("opened fragment", "name", name, "key_start", f.KeyStart, "key_end", f.KeyEnd, "worker_id", f.WorkerID)
	}

	return n, nil
}

func (n *node) closeAll() {
	for _, f := range n.table.Fragments() {
		if f.DB != nil {
			if err := f.DB.Close(); err != nil {
				n.log.Error("close fragment", "error", err)
			}
		}
	}
	n.client.Close()
}

// runMetadataCoordinator runs the mc role: it answers fragment-routing
// queries against the same fragment configuration file, without opening
// any local engine, for clients that need to learn which LTC currently
// homes a key before talking to it directly.
func runMetadataCoordinator(cfg *config.Config) {
	frags, err := fragment.ReadFragments(cfg.CCConfigPath)
	if err != nil {
		slog.Error("mc: read fragment config", "error", err)
		os.Exit(1)
	}
	table, err := fragment.NewTable(fragment.ModeRange, frags)
	if err != nil {
		slog.Error("mc: build fragment table", "error", err)
		os.Exit(1)
	}
	srv := startMetadataServer(table, ":6866")
	_ = srv
	slog.Info("mc: serving fragment routing table", "fragments", len(frags))
	waitForSignal()
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

func printUsage(cfg *config.Config) {
	fmt.Println("\033[33mNova ltc\033[0m")
	fmt.Printf("  server_id=%d db_path=%s\n", cfg.ServerID, cfg.DBPath)
	fmt.Println("\033[36mCommands:\033[0m get put delete compact migrate status exit")
	fmt.Println("  get <key>")
	fmt.Println("  put <key> <value>")
	fmt.Println("  delete <key>")
	fmt.Println("  compact <fragment>")
	fmt.Println("  migrate <fragment> <dest_server_id>")
	fmt.Println("  status")
	fmt.Println()
	fmt.Println("\033[33mHTTP API:\033[0m")
	fmt.Println("  curl http://localhost:6866/api/health")
	fmt.Println("  curl http://localhost:6866/api/metrics")
	fmt.Println("  curl http://localhost:6866/api/fragments")
	fmt.Println("  curl http://localhost:6866/api/kv/<key>")
	fmt.Println("  curl -X POST -d value http://localhost:6866/api/kv/<key>")
	fmt.Println("  curl -X DELETE http://localhost:6866/api/kv/<key>")
	fmt.Println("  curl -X POST http://localhost:6866/api/_compact")
	fmt.Println()
}
