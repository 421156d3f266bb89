// Package safety classifies shell commands as read-only (auto-approvable)
// or requiring user confirmation.
//
// Grounded on _examples/original_source/src/ai_shell/command_safety.py:
// the tokenizer, redirection rules, and command-name extraction below are a
// direct port of that file's algorithm, fail-closed in every branch.
package safety

import (
	"regexp"
	"strings"
)

// DefaultSafeCommands lists read-only command basenames that may run
// without confirmation. sed, awk and find are deliberately excluded: they
// can mutate files via certain flags.
var DefaultSafeCommands = map[string]bool{
	"ls": true, "dir": true, "tree": true, "file": true, "stat": true, "readlink": true,
	"cat": true, "head": true, "tail": true, "less": true, "more": true, "bat": true, "batcat": true,
	"grep": true, "egrep": true, "fgrep": true, "rg": true, "ag": true, "ack": true,
	"wc": true, "sort": true, "uniq": true, "cut": true, "tr": true, "rev": true, "tac": true, "fold": true, "column": true,
	"nl": true, "expand": true, "unexpand": true, "fmt": true, "paste": true, "join": true,
	"diff": true, "comm": true, "cmp": true,
	"md5sum": true, "sha256sum": true, "sha1sum": true, "sha512sum": true, "cksum": true, "b2sum": true,
	"xxd": true, "od": true, "hexdump": true, "strings": true,
	"which": true, "whereis": true, "whatis": true, "type": true, "command": true,
	"uname": true, "hostname": true, "uptime": true, "date": true, "cal": true,
	"whoami": true, "id": true, "groups": true, "who": true, "w": true, "last": true,
	"df": true, "du": true, "free": true, "ps": true, "pgrep": true, "pidof": true,
	"lsblk": true, "lscpu": true, "lsmem": true, "lsusb": true, "lspci": true, "lsmod": true, "lsof": true,
	"ip": true, "ifconfig": true, "ss": true, "netstat": true, "route": true,
	"env": true, "printenv": true,
	"nproc": true, "getconf": true, "arch": true,
	"pwd": true, "realpath": true, "dirname": true, "basename": true,
	"echo": true, "printf": true,
	"man": true, "info": true, "help": true,
	"true": true, "false": true, "test": true, "[": true,
	"jq": true, "yq": true,
}

// pipeAndChainOperators separate a command line into independent units.
var pipeAndChainOperators = map[string]bool{
	"&&": true, "||": true, ";": true, "|": true, "|&": true, "&": true,
}

// commandStarters are tokens after which the next token begins a new command.
var commandStarters = func() map[string]bool {
	m := map[string]bool{"(": true}
	for k := range pipeAndChainOperators {
		m[k] = true
	}
	return m
}()

// commandPrefixes are benign and do not change the safety of the command
// that follows. sudo, doas and nohup are intentionally excluded: they
// change the execution context and are never skipped over.
var commandPrefixes = map[string]bool{
	"time": true, "timeout": true, "nice": true, "ionice": true,
	"env": true, "stdbuf": true, "chrt": true, "taskset": true,
}

// PrivilegeEscalationPrefixes lists the leading tokens that change a
// command's execution context (run as another user, detach from the
// controlling terminal) rather than just tweaking scheduling or environment.
// Other packages (ptyexec's post-exit cwd probe) use this to decide whether
// a command's effects can be trusted to reflect the caller's own session.
var PrivilegeEscalationPrefixes = []string{"sudo", "doas", "nohup"}

var outputRedirectOperators = map[string]bool{
	">": true, ">>": true, "&>": true, "&>>": true,
}

var allRedirectOperators = map[string]bool{
	">": true, ">>": true, "<": true, "<<": true, "<<<": true,
	"&>": true, "&>>": true, ">&": true, "<&": true,
}

var reNumericRedirect = regexp.MustCompile(`^\d+>{1,2}$`)
var reNumericAnyRedirect = regexp.MustCompile(`^\d+[<>]{1,2}$`)
var reAssignment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// IsSafe reports whether command may run without user confirmation: every
// sub-command (including those inside command substitutions) must be a
// member of safeCommands, and no output redirection may write to a file.
//
// Any parse error or unrecognized construct returns false: fail closed.
func IsSafe(command string, safeCommands map[string]bool) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return true
	}
	ok, err := checkSafety(command, safeCommands)
	if err != nil {
		return false
	}
	return ok
}

func checkSafety(command string, safeCommands map[string]bool) (bool, error) {
	for _, inner := range extractCommandSubstitutions(command) {
		innerOK, err := checkSafety(inner, safeCommands)
		if err != nil || !innerOK {
			return false, nil
		}
	}

	tokens, err := tokenize(command)
	if err != nil {
		return false, err
	}
	if len(tokens) == 0 {
		return true, nil
	}

	if hasUnsafeRedirections(tokens) {
		return false, nil
	}

	commands := extractCommandNames(tokens)
	if len(commands) == 0 {
		return false, nil
	}

	for _, cmd := range commands {
		base := baseName(cmd)
		if !safeCommands[base] {
			return false, nil
		}
	}
	return true, nil
}

func baseName(cmd string) string {
	if i := strings.LastIndexByte(cmd, '/'); i >= 0 {
		return cmd[i+1:]
	}
	return cmd
}

// tokenize splits command into shell tokens, grouping consecutive
// punctuation characters (so && becomes one token, not two) and treating
// quoted regions as single tokens, mirroring shlex's punctuation_chars mode.
func tokenize(command string) ([]string, error) {
	const punct = "|&;<>()"
	var tokens []string
	var cur strings.Builder
	flushWord := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	runes := []rune(command)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			flushWord()
			i++
		case c == '\'':
			flushWord()
			j := i + 1
			for j < len(runes) && runes[j] != '\'' {
				j++
			}
			if j >= len(runes) {
				return nil, errUnterminatedQuote
			}
			tokens = append(tokens, string(runes[i+1:j]))
			i = j + 1
		case c == '"':
			flushWord()
			var sb strings.Builder
			j := i + 1
			for j < len(runes) && runes[j] != '"' {
				if runes[j] == '\\' && j+1 < len(runes) {
					j++
				}
				sb.WriteRune(runes[j])
				j++
			}
			if j >= len(runes) {
				return nil, errUnterminatedQuote
			}
			tokens = append(tokens, sb.String())
			i = j + 1
		case strings.ContainsRune(punct, c):
			flushWord()
			j := i
			for j < len(runes) && strings.ContainsRune(punct, runes[j]) {
				j++
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j
		default:
			cur.WriteRune(c)
			i++
		}
	}
	flushWord()
	return tokens, nil
}

var errUnterminatedQuote = unterminatedQuoteError{}

type unterminatedQuoteError struct{}

func (unterminatedQuoteError) Error() string { return "unterminated quote" }

func hasUnsafeRedirections(tokens []string) bool {
	i := 0
	for i < len(tokens) {
		tok := tokens[i]

		if tok == ">(" {
			return true
		}

		if outputRedirectOperators[tok] {
			if i+1 < len(tokens) {
				next := tokens[i+1]
				if next == "/dev/null" {
					i += 2
					continue
				}
				if tok == ">" && strings.HasPrefix(next, "&") && isAllDigits(next[1:]) {
					i += 2
					continue
				}
			}
			return true
		}

		if tok == ">&" {
			if i+1 < len(tokens) {
				next := tokens[i+1]
				if isAllDigits(next) || next == "/dev/null" {
					i += 2
					continue
				}
			}
			return true
		}

		if reNumericRedirect.MatchString(tok) {
			if i+1 < len(tokens) && tokens[i+1] == "/dev/null" {
				i += 2
				continue
			}
			return true
		}

		i++
	}
	return false
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isRedirection(tok string) bool {
	if allRedirectOperators[tok] {
		return true
	}
	if reNumericAnyRedirect.MatchString(tok) {
		return true
	}
	switch tok {
	case ">&", "<&", ">|", ">(":
		return true
	}
	return false
}

func extractCommandNames(tokens []string) []string {
	var commands []string
	expectCommand := true
	i := 0
	for i < len(tokens) {
		tok := tokens[i]

		if commandStarters[tok] {
			expectCommand = true
			i++
			continue
		}
		if tok == ")" {
			i++
			continue
		}

		if expectCommand {
			for i < len(tokens) && commandPrefixes[tokens[i]] {
				i++
			}
			for i < len(tokens) && reAssignment.MatchString(tokens[i]) {
				i++
			}
			if i < len(tokens) {
				t := tokens[i]
				if !commandStarters[t] && t != ")" && !isRedirection(t) {
					commands = append(commands, t)
					expectCommand = false
				}
			}
			i++
			continue
		}

		if isRedirection(tok) {
			i += 2
			continue
		}
		i++
	}
	return commands
}

// extractCommandSubstitutions returns the inner command text of every
// $(...) and `...` construct in command, respecting nesting in $(...) and
// ignoring substitutions inside single quotes.
func extractCommandSubstitutions(command string) []string {
	var results []string
	results = append(results, extractDollarParens(command)...)

	backtickRe := regexp.MustCompile("`([^`]+)`")
	for _, m := range backtickRe.FindAllStringSubmatchIndex(command, -1) {
		before := command[:m[0]]
		if strings.Count(before, "'")%2 == 0 {
			results = append(results, command[m[2]:m[3]])
		}
	}
	return results
}

func extractDollarParens(command string) []string {
	var results []string
	runes := []rune(command)
	i := 0
	inSingleQuote := false

	for i < len(runes) {
		c := runes[i]

		if c == '\'' && !inSingleQuote {
			inSingleQuote = true
			i++
			for i < len(runes) && runes[i] != '\'' {
				i++
			}
			i++
			continue
		}

		if !inSingleQuote && i+1 < len(runes) && runes[i] == '$' && runes[i+1] == '(' {
			depth := 1
			start := i + 2
			j := start
			sq, dq := false, false
			for j < len(runes) && depth > 0 {
				ch := runes[j]
				switch {
				case ch == '\'' && !dq:
					sq = !sq
				case ch == '"' && !sq:
					dq = !dq
				case !sq && !dq:
					if ch == '(' {
						depth++
					} else if ch == ')' {
						depth--
					}
				}
				j++
			}
			if depth == 0 {
				results = append(results, string(runes[start:j-1]))
			}
			i = j
			continue
		}

		i++
	}
	return results
}

// MergeOverlay returns a new safe-command set from base with allow adding
// operator-trusted basenames and deny removing ones that must always
// prompt regardless of the default list.
func MergeOverlay(base map[string]bool, allow, deny []string) map[string]bool {
	merged := make(map[string]bool, len(base)+len(allow))
	for k := range base {
		merged[k] = true
	}
	for _, e := range allow {
		if e = strings.TrimSpace(e); e != "" {
			merged[e] = true
		}
	}
	for _, e := range deny {
		delete(merged, strings.TrimSpace(e))
	}
	return merged
}
