package storage

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxLoggedArg keeps step ledgers and task logs from flooding debug output.
const maxLoggedArg = 120

// formatSQL interpolates positional parameters into query, for logging only.
func formatSQL(query string, args ...any) string {
	if strings.TrimSpace(query) == "" || len(args) == 0 {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + len(args)*8)
	argIdx := 0
	for _, ch := range query {
		if ch == '?' && argIdx < len(args) {
			b.WriteString(formatSQLArg(args[argIdx]))
			argIdx++
			continue
		}
		b.WriteRune(ch)
	}
	if argIdx < len(args) {
		b.WriteString(" /* args:")
		for i := argIdx; i < len(args); i++ {
			if i > argIdx {
				b.WriteString(",")
			}
			b.WriteString(" ")
			b.WriteString(formatSQLArg(args[i]))
		}
		b.WriteString(" */")
	}
	return b.String()
}

func formatSQLArg(arg any) string {
	switch v := arg.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteSQL(v)
	case []byte:
		return quoteSQL(string(v))
	case fmt.Stringer:
		return quoteSQL(v.String())
	default:
		return fmt.Sprintf("%v", arg)
	}
}

func quoteSQL(s string) string {
	if utf8.RuneCountInString(s) > maxLoggedArg {
		s = string([]rune(s)[:maxLoggedArg]) + "..."
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
