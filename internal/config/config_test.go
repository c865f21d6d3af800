package config

import "testing"

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]string{
		"--server_id=1",
		"--comp=cc",
		"--cc_num_compaction_workers=1",
		"--cc_num_async_workers=3",
		"--dc_workers=4",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ServerID != 1 || cfg.Component != ComponentCC {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseMissingServerID(t *testing.T) {
	if _, err := Parse([]string{"--comp=cc"}); err == nil {
		t.Fatal("expected error for missing server_id")
	}
}

func TestParseInconsistentWorkerCounts(t *testing.T) {
	_, err := Parse([]string{
		"--server_id=1",
		"--comp=dc",
		"--cc_num_compaction_workers=1",
		"--cc_num_async_workers=1",
		"--dc_workers=8",
	})
	if err == nil {
		t.Fatal("expected error for inconsistent worker counts")
	}
}

func TestParseInvalidComponent(t *testing.T) {
	if _, err := Parse([]string{"--server_id=1", "--comp=bogus"}); err == nil {
		t.Fatal("expected error for invalid component")
	}
}
