package core

import (
	"strings"
)

const escape = '\x1b'

// StripANSI removes CSI sequences (ESC '[' params final) where the final byte is in 0x40-0x7E.
// An unterminated sequence at the end of s is dropped.
func StripANSI(s string) string {
	for {
		out := stripCSIOnce(s)
		// Removing one sequence can splice a lone ESC onto a following '['.
		if out == s {
			return out
		}
		s = out
	}
}

func stripCSIOnce(s string) string {
	if !strings.Contains(s, "\x1b[") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == escape && i+1 < len(runes) && runes[i+1] == '[' {
			i += 2
			for i < len(runes) && !isCSIFinal(runes[i]) {
				i++
			}
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isCSIFinal(r rune) bool {
	return r >= 0x40 && r <= 0x7e
}

// CollapseCarriageReturns replays console overwrite semantics: CR discards the
// line in progress and LF commits it. CRLF counts as a single LF.
func CollapseCarriageReturns(s string) string {
	if !strings.ContainsRune(s, '\r') {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var lines []string
	var current strings.Builder
	for _, r := range s {
		switch r {
		case '\r':
			current.Reset()
		case '\n':
			lines = append(lines, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	lines = append(lines, current.String())
	return strings.Join(lines, "\n")
}

// NormalizeOutput applies StripANSI then CollapseCarriageReturns.
func NormalizeOutput(s string) string {
	return CollapseCarriageReturns(StripANSI(s))
}
