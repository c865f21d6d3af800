// Package config builds the one immutable Config a node is started with.
// It is constructed once from command-line flags and passed explicitly to
// every component that needs it, rather than read from a mutable global.
package config

import (
	"flag"
	"fmt"
)

// Component selects which role a process plays: cc (compute node with
// local engines), mc (routing-only metadata coordinator with no local
// engine), or dc (storage component, run by cmd/stoc) — the same three
// --comp values nova_main.cpp dispatches on.
type Component string

const (
	ComponentCC Component = "cc"
	ComponentMC Component = "mc"
	ComponentDC Component = "dc"
)

// Config is every flag a Nova node needs, resolved once at startup.
type Config struct {
	DBPath        string
	ServerID      int
	Component     Component
	CCConfigPath  string
	DCConfigPath  string
	EnableRDMA    bool
	EnableLoadData bool

	CCNumConnWorkers       int
	CCNumAsyncWorkers      int
	CCNumCompactionWorkers int
	CCNumWBWorkers         int
	CCBlockCacheMB         int
	CCWriteBufferSizeMB    int

	RDMAPort              int
	RDMAMaxMsgSize        int
	RDMAMaxNumSends       int
	RDMADoorbellBatchSize int
	RDMAPQBatchSize       int

	MemPoolSizeGB    int
	UseFixedValueSize bool

	DCWorkers int
}

// Parse builds a Config from args (pass os.Args[1:] in production, a fixed
// slice in tests), validating the invariants spec.md requires at startup.
// It returns a non-nil error instead of exiting, so callers (main, or
// tests) decide how to report failure.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("nova", flag.ContinueOnError)

	cfg := &Config{}
	var comp string

	fs.StringVar(&cfg.DBPath, "db_path", "data/nova", "local root directory for StoC-backed state")
	fs.IntVar(&cfg.ServerID, "server_id", -1, "this node's server id (required)")
	fs.StringVar(&comp, "comp", "", "component role: cc, mc, or dc (required)")
	fs.StringVar(&cfg.CCConfigPath, "cc_config_path", "", "path to the CC fragment configuration file")
	fs.StringVar(&cfg.DCConfigPath, "dc_config_path", "", "path to the DC fragment configuration file")
	fs.BoolVar(&cfg.EnableRDMA, "enable_rdma", true, "enable the RDMA transport (loopback if unset)")
	fs.BoolVar(&cfg.EnableLoadData, "enable_load_data", false, "preload data on startup")

	fs.IntVar(&cfg.CCNumConnWorkers, "cc_num_conn_workers", 4, "number of connection worker goroutines")
	fs.IntVar(&cfg.CCNumAsyncWorkers, "cc_num_async_workers", 4, "number of async RDMA completion workers")
	fs.IntVar(&cfg.CCNumCompactionWorkers, "cc_num_compaction_workers", 1, "number of compaction worker goroutines")
	fs.IntVar(&cfg.CCNumWBWorkers, "cc_num_wb_workers", 1, "number of write-buffer flush worker goroutines")
	fs.IntVar(&cfg.CCBlockCacheMB, "cc_block_cache_mb", 0, "block cache size in MiB (0 disables it)")
	fs.IntVar(&cfg.CCWriteBufferSizeMB, "cc_write_buffer_size_mb", 50, "memtable size threshold in MiB")

	fs.IntVar(&cfg.RDMAPort, "rdma_port", 0, "RDMA listener port (unused by the loopback transport)")
	fs.IntVar(&cfg.RDMAMaxMsgSize, "rdma_max_msg_size", 1<<20, "max RDMA message size in bytes")
	fs.IntVar(&cfg.RDMAMaxNumSends, "rdma_max_num_sends", 32, "max outstanding RDMA sends")
	fs.IntVar(&cfg.RDMADoorbellBatchSize, "rdma_doorbell_batch_size", 1, "RDMA doorbell batch size")
	fs.IntVar(&cfg.RDMAPQBatchSize, "rdma_pq_batch_size", 1, "RDMA polling queue batch size")

	fs.IntVar(&cfg.MemPoolSizeGB, "mem_pool_size_gb", 1, "slab allocator budget in GiB (0 = unlimited)")
	fs.BoolVar(&cfg.UseFixedValueSize, "use_fixed_value_size", false, "assume a fixed value size for slab sizing")

	fs.IntVar(&cfg.DCWorkers, "dc_workers", 8, "total number of DC-side worker goroutines")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Component = Component(comp)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate enforces the startup invariants spec.md §6 names: a server id
// must be set, and the compute-tier worker counts must sum to the
// storage-tier's declared worker count.
func (c *Config) validate() error {
	if c.ServerID < 0 {
		return fmt.Errorf("config: --server_id is required")
	}
	switch c.Component {
	case ComponentCC, ComponentMC, ComponentDC:
	default:
		return fmt.Errorf("config: --comp must be one of cc, mc, dc, got %q", c.Component)
	}
	if got, want := c.CCNumCompactionWorkers+c.CCNumAsyncWorkers, c.DCWorkers; got != want {
		return fmt.Errorf("config: cc_num_compaction_workers + cc_num_async_workers (%d) must equal dc_workers (%d)", got, want)
	}
	return nil
}
