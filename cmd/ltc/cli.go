package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// runCLI drives the interactive shell: read a line, split it into a
// command and the rest, dispatch, repeat until exit/EOF.
func runCLI(n *node, rl *readline.Instance) {
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		cmd, rest := splitCmdRest(line)
		switch strings.ToLower(cmd) {
		case "get":
			handleGetCmd(n, rest)
		case "put":
			handlePutCmd(n, rest)
		case "delete", "del":
			handleDeleteCmd(n, rest)
		case "compact":
			handleCompactCmd(n, rest)
		case "migrate":
			handleMigrateCmd(n, rest)
		case "status":
			handleStatusCmd(n, rest)
		case "exit", "quit":
			return
		default:
			fmt.Printf("unknown command: %s (try: get put delete compact migrate status exit)\n", cmd)
		}
	}
}

// splitCmdRest splits "cmd arg1 arg2..." into ("cmd", "arg1 arg2...").
func splitCmdRest(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.TrimSpace(parts[1])
}
