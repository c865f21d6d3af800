package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nconghau/novadb/internal/migration"
)

func handleGetCmd(n *node, rest string) {
	key := strings.TrimSpace(rest)
	if key == "" {
		fmt.Println("usage: get <key>")
		return
	}
	f := n.table.Lookup([]byte(key))
	if f == nil || f.DB == nil {
		fmt.Println("error: key not owned by this node")
		return
	}
	val, err := f.DB.Get(context.Background(), []byte(key))
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("%s\n", val)
}

func handlePutCmd(n *node, rest string) {
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) != 2 {
		fmt.Println("usage: put <key> <value>")
		return
	}
	key, value := parts[0], parts[1]
	f := n.table.Lookup([]byte(key))
	if f == nil || f.DB == nil {
		fmt.Println("error: key not owned by this node")
		return
	}
	if err := f.DB.Put(context.Background(), []byte(key), []byte(value)); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println("ok")
}

func handleDeleteCmd(n *node, rest string) {
	key := strings.TrimSpace(rest)
	if key == "" {
		fmt.Println("usage: delete <key>")
		return
	}
	f := n.table.Lookup([]byte(key))
	if f == nil || f.DB == nil {
		fmt.Println("error: key not owned by this node")
		return
	}
	if err := f.DB.Delete(context.Background(), []byte(key)); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println("ok")
}

func handleCompactCmd(n *node, rest string) {
	name := strings.TrimSpace(rest)
	if name == "" {
		fmt.Println("usage: compact <fragment>")
		return
	}
	f := n.table.Find(name)
	if f == nil {
		fmt.Printf("error: unknown fragment %s\n", name)
		return
	}
	if f.DB == nil {
		fmt.Printf("error: fragment %s is not homed on this server\n", name)
		return
	}
	if err := f.DB.Compact(context.Background()); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println("ok")
}

// handleMigrateCmd stages a fragment's state for a handoff to destServerID
// via the shared StoC store. Completing the handoff requires the
// destination ltc process to call fetch against the same fragment name;
// this command only performs the source side.
func handleMigrateCmd(n *node, rest string) {
	parts := strings.Fields(rest)
	if len(parts) != 2 {
		fmt.Println("usage: migrate <fragment> <dest_server_id>")
		return
	}
	name := parts[0]
	destID, err := strconv.Atoi(parts[1])
	if err != nil {
		fmt.Printf("error: invalid dest_server_id %q\n", parts[1])
		return
	}
	f := n.table.Find(name)
	if f == nil {
		fmt.Printf("error: unknown fragment %s\n", name)
		return
	}
	if f.DB == nil {
		fmt.Printf("error: fragment %s is not homed on this server\n", name)
		return
	}

	src := migration.NewSource(n.client, n.log)
	if err := src.MigrateFragment(context.Background(), uint32(destID), f.DB); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("staged fragment %s for server %d; awaiting fetch on destination\n", name, destID)
}

func handleStatusCmd(n *node, rest string) {
	fmt.Printf("server_id=%d db_path=%s fragments=%d\n", n.cfg.ServerID, n.cfg.DBPath, len(n.table.Fragments()))
	for _, f := range n.table.Fragments() {
		state := "remote"
		if f.DB != nil {
			state = "local"
		}
		fmt.Printf("  %-20s [%d,%d) home=%d worker=%d %s\n", f.Name(), f.KeyStart, f.KeyEnd, f.HomeLTCID, f.WorkerID, state)
	}
}
