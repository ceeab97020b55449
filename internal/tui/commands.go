package tui

import (
	"strings"
)

type commandKind int

const (
	cmdSend commandKind = iota
	cmdSearch
	cmdExitSearch
	cmdUpload
	cmdDelete
	cmdOlder
	cmdRoom
	cmdQuit
	cmdHelp
	cmdUnknown
)

type command struct {
	kind     commandKind
	text     string
	keyword  string
	nickname string
}

const helpText = "/search words [@nickname] · /exit · /upload <path> · /delete <url> · /older · /room <id> · /quit"

// parseCommand turns one line of input into a command. Anything that is not
// a slash command is a chat line; "//" escapes a leading slash.
func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "//") {
		return command{kind: cmdSend, text: line[1:]}
	}
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdSend, text: line}
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(name) {
	case "search", "s":
		c := command{kind: cmdSearch}
		var words []string
		for _, f := range strings.Fields(rest) {
			if strings.HasPrefix(f, "@") && len(f) > 1 && c.nickname == "" {
				c.nickname = f[1:]
				continue
			}
			words = append(words, f)
		}
		c.keyword = strings.Join(words, " ")
		return c
	case "exit", "clear":
		return command{kind: cmdExitSearch}
	case "upload", "up":
		return command{kind: cmdUpload, text: rest}
	case "delete", "del":
		return command{kind: cmdDelete, text: rest}
	case "older", "more":
		return command{kind: cmdOlder}
	case "room", "join":
		return command{kind: cmdRoom, text: rest}
	case "quit", "q":
		return command{kind: cmdQuit}
	case "help", "?":
		return command{kind: cmdHelp}
	default:
		return command{kind: cmdUnknown, text: name}
	}
}
