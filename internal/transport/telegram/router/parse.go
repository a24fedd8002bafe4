package router

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"unicode"
)

func newReqID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "000000000000"
	}
	return hex.EncodeToString(b[:])
}

// ParseCommand splits "/name@bot args..." into a lowercase command name and the
// raw argument string. A "@bot" suffix is stripped when it names botUsername;
// a suffix naming a different bot makes the command not ours (ok=false).
func ParseCommand(text, botUsername string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		head, rest = text[:i], text[i+1:]
	}
	head = strings.TrimPrefix(head, "/")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		target := head[at+1:]
		head = head[:at]
		bot := strings.TrimPrefix(strings.TrimSpace(botUsername), "@")
		if bot != "" && !strings.EqualFold(target, bot) {
			return "", "", false
		}
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// ParseKeywords splits a command argument on ',', ';' and '|'.
// Items are trimmed and lowercased; empty items are dropped. Order is kept.
func ParseKeywords(args string) []string {
	fields := strings.FieldsFunc(args, func(r rune) bool {
		return r == ',' || r == ';' || r == '|'
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		k := strings.ToLower(strings.TrimSpace(f))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
