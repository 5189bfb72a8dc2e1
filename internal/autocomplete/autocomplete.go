// Package autocomplete generates shell input suggestions. It is a pure
// function of (session ID, input buffer, cursor position) aside from
// checking that the named session exists and is connected; it has no
// other side effects and touches no transport state.
package autocomplete

import (
	"strings"

	"gossh-gateway/internal/apperr"
	"gossh-gateway/internal/registry"
)

var commandCatalog = []string{
	"ls", "cd", "pwd", "cat", "grep", "find", "ssh", "scp", "vim", "nano",
	"top", "ps", "kill", "chmod", "chown", "mkdir", "rmdir", "rm", "cp",
	"mv", "touch", "tail", "head", "less", "more", "df", "du", "tar",
	"gzip", "curl", "wget", "git", "docker", "systemctl", "journalctl",
	"echo", "export", "man", "sudo", "which", "whoami", "history",
}

var pathCatalog = []string{
	"/etc", "/var", "/usr", "/home", "/tmp", "/opt", "/bin", "/sbin",
	"/root", "/srv", "/mnt", "/media", "/proc", "/sys", "/dev",
}

var optionCatalog = []string{
	"--help", "--version", "-v", "-h", "-r", "-f", "-a", "-l", "-n",
	"--force", "--recursive", "--verbose", "--all", "--quiet",
	"--dry-run", "--output", "--config",
}

// Suggest returns suggestions for the token under cursor in input,
// drawn from whichever of the three category generators apply.
func Suggest(reg *registry.Registry, sessionID, input string, cursor int) ([]string, error) {
	sess, ok := reg.Get(sessionID)
	if !ok {
		return nil, apperr.New(apperr.ConnectionFailed, "no such session: "+sessionID)
	}
	sess.Lock()
	connected := sess.Connected()
	sess.Unlock()
	if !connected {
		return nil, apperr.New(apperr.ConnectionFailed, "session not connected: "+sessionID)
	}

	token, start := tokenAt(input, cursor)

	var out []string
	if isNewWord(input, start) {
		out = append(out, filterPrefix(commandCatalog, token)...)
	}
	if strings.Contains(token, "/") || strings.HasPrefix(token, ".") || strings.HasPrefix(token, "~") {
		out = append(out, pathSuggestions(token)...)
	}
	if strings.HasPrefix(token, "-") {
		out = append(out, filterPrefix(optionCatalog, token)...)
	}
	return out, nil
}

// tokenAt scans backward and forward from cursor over non-whitespace
// bytes to find the token under the cursor, returning it and its start
// offset within input.
func tokenAt(input string, cursor int) (token string, start int) {
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(input) {
		cursor = len(input)
	}

	start = cursor
	for start > 0 && !isSpace(input[start-1]) {
		start--
	}
	end := cursor
	for end < len(input) && !isSpace(input[end]) {
		end++
	}
	return input[start:end], start
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' }

func isNewWord(input string, start int) bool {
	return start == 0 || isSpace(input[start-1])
}

func pathSuggestions(token string) []string {
	var out []string
	if token == "" || token == "." {
		out = append(out, "./", "../")
	}
	return append(out, filterPrefix(pathCatalog, token)...)
}

func filterPrefix(catalog []string, prefix string) []string {
	var out []string
	for _, c := range catalog {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}
