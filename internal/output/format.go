package output

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
)

// DefaultDateFormat is the prefix pattern used when a process does not set one.
const DefaultDateFormat = "YYYY-MM-DD HH:mm:ss"

// Formatter renders the timestamp prefix of forwarded lines.
type Formatter struct {
	strftime string
	parts    []part
}

// part is either literal text or one moment token.
type part struct {
	lit    string
	render func(time.Time) string
}

// NewFormatter compiles pattern. Patterns containing '%' are strftime
// patterns; anything else uses moment-style tokens (YYYY-MM-DD HH:mm:ss)
// with [brackets] around literal text.
// An empty pattern yields a Formatter that adds no prefix.
func NewFormatter(pattern string) Formatter {
	if pattern == "" {
		return Formatter{}
	}
	if strings.ContainsRune(pattern, '%') {
		return Formatter{strftime: pattern}
	}
	return Formatter{parts: compileMoment(pattern)}
}

// Enabled reports whether lines get a prefix at all.
func (f Formatter) Enabled() bool { return f.strftime != "" || len(f.parts) > 0 }

// Format renders t, or "" when the formatter is disabled.
func (f Formatter) Format(t time.Time) string {
	if f.strftime != "" {
		return strftime.Format(f.strftime, t)
	}
	var b strings.Builder
	for _, p := range f.parts {
		if p.render != nil {
			b.WriteString(p.render(t))
		} else {
			b.WriteString(p.lit)
		}
	}
	return b.String()
}

func layout(l string) func(time.Time) string {
	return func(t time.Time) string { return t.Format(l) }
}

// Each token renders on its own, so literal text is never read as a Go
// layout element. Longest tokens come first so YYYY wins over YY.
var momentTokens = []struct {
	tok    string
	render func(time.Time) string
}{
	{"YYYY", layout("2006")},
	{"YY", layout("06")},
	{"MMMM", layout("January")},
	{"MMM", layout("Jan")},
	{"MM", layout("01")},
	{"M", layout("1")},
	{"DD", layout("02")},
	{"D", layout("2")},
	{"dddd", layout("Monday")},
	{"ddd", layout("Mon")},
	{"HH", layout("15")},
	{"H", func(t time.Time) string { return strconv.Itoa(t.Hour()) }},
	{"hh", layout("03")},
	{"h", layout("3")},
	{"mm", layout("04")},
	{"m", layout("4")},
	{"SSS", func(t time.Time) string { return fmt.Sprintf("%03d", t.Nanosecond()/int(time.Millisecond)) }},
	{"ss", layout("05")},
	{"s", layout("5")},
	{"A", layout("PM")},
	{"a", layout("pm")},
	{"ZZ", layout("-0700")},
	{"Z", layout("-07:00")},
}

func compileMoment(p string) []part {
	var parts []part
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			parts = append(parts, part{lit: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(p); {
		if p[i] == '[' {
			if end := strings.IndexByte(p[i:], ']'); end > 0 {
				lit.WriteString(p[i+1 : i+end])
				i += end + 1
				continue
			}
		}
		matched := false
		for _, t := range momentTokens {
			if strings.HasPrefix(p[i:], t.tok) {
				flush()
				parts = append(parts, part{render: t.render})
				i += len(t.tok)
				matched = true
				break
			}
		}
		if !matched {
			lit.WriteByte(p[i])
			i++
		}
	}
	flush()
	return parts
}
