package main

import (
	"strings"
)

var cliCommands = []string{"get", "put", "delete", "compact", "migrate", "status", "exit"}

// completer implements readline.AutoCompleter: it completes command names
// at the start of the line, and fragment names as the first argument to
// commands that take one (compact, migrate).
type completer struct {
	n *node
}

func (c completer) Do(line []rune, pos int) (newLine [][]rune, length int) {
	text := string(line[:pos])
	tokens := strings.Split(text, " ")
	tokenIndex := len(tokens) - 1
	prefix := tokens[tokenIndex]

	switch tokenIndex {
	case 0:
		return matchAndExpand(prefix, cliCommands)
	case 1:
		switch strings.ToLower(tokens[0]) {
		case "compact", "migrate":
			names := make([]string, 0, len(c.n.table.Fragments()))
			for _, f := range c.n.table.Fragments() {
				names = append(names, f.Name())
			}
			return matchAndExpand(prefix, names)
		}
	}
	return nil, 0
}

// matchAndExpand returns, for each candidate with prefix p, the runes that
// remain to be typed, so readline can splice them in at the cursor.
func matchAndExpand(p string, candidates []string) ([][]rune, int) {
	var out [][]rune
	for _, cand := range candidates {
		if strings.HasPrefix(cand, p) {
			out = append(out, toRunes(cand[len(p):]))
		}
	}
	return out, len(toRunes(p))
}

func toRunes(s string) []rune {
	return []rune(s)
}
