// Package diffcodec encodes the difference between two strings as a compact,
// line-oriented edit script and applies such scripts back.
//
// A script is a sequence of lines joined by "\n", one per run of edits
// between two unchanged stretches of the strings:
//
//	d{i1},{i2}        delete a[i1:i2]
//	i{i1},{text}      insert text before a[i1]
//	r{i1},{i2},{text} replace a[i1:i2] with text
//
// Indices are lowercase hexadecimal and count code points of the original
// string; a byte that is not valid UTF-8 counts as one. Text has backslashes
// doubled and newlines written as `\n`.
package diffcodec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffTimeout bounds the time Encode spends looking for a minimal script.
// Past it the script is still exact, only longer.
var DiffTimeout = time.Second

// ErrCorruptPatch reports a script line that cannot be parsed or applied.
var ErrCorruptPatch = errors.New("corrupt patch")

// Encode returns the script that turns a into b.
func Encode(a, b string) string {
	au, bu := units(a), units(b)

	table := make(map[string]rune)
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = DiffTimeout
	diffs := dmp.DiffMainRunes(symbols(au, table), symbols(bu, table), false)

	var (
		lines    []string
		i, j     int
		start    = -1
		deleted  int
		inserted strings.Builder
	)
	flush := func() {
		if start < 0 {
			return
		}
		text := Escape(inserted.String())
		switch {
		case deleted > 0 && inserted.Len() > 0:
			lines = append(lines, fmt.Sprintf("r%x,%x,%s", start, start+deleted, text))
		case deleted > 0:
			lines = append(lines, fmt.Sprintf("d%x,%x", start, start+deleted))
		case inserted.Len() > 0:
			lines = append(lines, fmt.Sprintf("i%x,%s", start, text))
		}
		start, deleted = -1, 0
		inserted.Reset()
	}

	for _, diff := range diffs {
		n := utf8.RuneCountInString(diff.Text)
		if diff.Type == diffmatchpatch.DiffEqual {
			flush()
			i += n
			j += n
			continue
		}
		if start < 0 {
			start = i
		}
		switch diff.Type {
		case diffmatchpatch.DiffDelete:
			deleted += n
			i += n
		case diffmatchpatch.DiffInsert:
			inserted.WriteString(strings.Join(bu[j:j+n], ""))
			j += n
		}
	}
	flush()

	return strings.Join(lines, "\n")
}

// Decode applies patch to a.
//
// Every index in the script refers to a position in the original string, while
// edits are applied left to right to a string that is already partially edited,
// so a running offset tracks how far the edited string has drifted.
func Decode(patch, a string) (string, error) {
	current := units(a)
	offset := 0

	for n, line := range strings.Split(patch, "\n") {
		if line == "" {
			continue
		}

		switch line[0] {
		case 'd':
			fields := strings.Split(line[1:], ",")
			if len(fields) != 2 {
				return "", corrupt(n, line, "delete expects two indices")
			}
			i1, i2, err := parseSpan(fields[0], fields[1])
			if err != nil {
				return "", corrupt(n, line, err.Error())
			}
			lo, hi := i1+offset, i2+offset
			if lo < 0 || hi > len(current) {
				return "", corrupt(n, line, "span out of range")
			}
			current = splice(current, lo, hi, nil)
			offset -= i2 - i1

		case 'i':
			fields := strings.SplitN(line[1:], ",", 2)
			if len(fields) != 2 {
				return "", corrupt(n, line, "insert expects an index and text")
			}
			i1, err := parseIndex(fields[0])
			if err != nil {
				return "", corrupt(n, line, err.Error())
			}
			text := units(Unescape(fields[1]))
			pos := i1 + offset
			if pos < 0 || pos > len(current) {
				return "", corrupt(n, line, "position out of range")
			}
			current = splice(current, pos, pos, text)
			offset += len(text)

		case 'r':
			fields := strings.SplitN(line[1:], ",", 3)
			if len(fields) != 3 {
				return "", corrupt(n, line, "replace expects two indices and text")
			}
			i1, i2, err := parseSpan(fields[0], fields[1])
			if err != nil {
				return "", corrupt(n, line, err.Error())
			}
			text := units(Unescape(fields[2]))
			lo, hi := i1+offset, i2+offset
			if lo < 0 || hi > len(current) {
				return "", corrupt(n, line, "span out of range")
			}
			current = splice(current, lo, hi, text)
			offset += len(text) - (i2 - i1)

		default:
			return "", corrupt(n, line, "unknown opcode")
		}
	}

	return strings.Join(current, ""), nil
}

// Escape doubles backslashes and writes newlines as `\n`.
func Escape(s string) string {
	if !strings.ContainsAny(s, "\\\n") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Unescape reverses Escape. Only `\\` and `\n` are recognised; any other
// backslash is copied through unchanged.
func Unescape(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// units splits s into code points, keeping each byte of an invalid UTF-8
// sequence as a unit of its own so that joining the units gives s back.
func units(s string) []string {
	out := make([]string, 0, len(s))
	for i := 0; i < len(s); {
		_, size := utf8.DecodeRuneInString(s[i:])
		out = append(out, s[i:i+size])
		i += size
	}
	return out
}

// symbols maps every distinct unit to a rune of its own for the matcher.
// Surrogates are skipped since they do not survive a round trip through string.
func symbols(us []string, table map[string]rune) []rune {
	out := make([]rune, len(us))
	for i, u := range us {
		sym, ok := table[u]
		if !ok {
			sym = rune(len(table))
			if sym >= 0xD800 {
				sym += 0x800
			}
			table[u] = sym
		}
		out[i] = sym
	}
	return out
}

func splice(current []string, lo, hi int, text []string) []string {
	next := make([]string, 0, len(current)-(hi-lo)+len(text))
	next = append(next, current[:lo]...)
	next = append(next, text...)
	next = append(next, current[hi:]...)
	return next
}

func parseIndex(raw string) (int, error) {
	if raw == "" {
		return 0, errors.New("empty index")
	}
	value, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid index %q", raw)
	}
	return int(value), nil
}

func parseSpan(rawStart, rawEnd string) (int, int, error) {
	i1, err := parseIndex(rawStart)
	if err != nil {
		return 0, 0, err
	}
	i2, err := parseIndex(rawEnd)
	if err != nil {
		return 0, 0, err
	}
	if i2 < i1 {
		return 0, 0, fmt.Errorf("span end %d before start %d", i2, i1)
	}
	return i1, i2, nil
}

func corrupt(n int, line, reason string) error {
	preview := line
	if len(preview) > 40 {
		preview = preview[:40] + "..."
	}
	return fmt.Errorf("%w: line %d %q: %s", ErrCorruptPatch, n+1, preview, reason)
}
