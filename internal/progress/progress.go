package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
)

// Reporter observes the optimization sweep of a query.
type Reporter interface {
	Start(label string, total int)
	Step(suffix string)
	Finish()
}

// Suffix formats the sweep counters shown next to the bar.
func Suffix(timedOut, duplicates int, minMs float64) string {
	return fmt.Sprintf("to: %s, dp: %s, min: %s",
		humanize.Comma(int64(timedOut)), humanize.Comma(int64(duplicates)), humanize.Commaf(minMs))
}

// Bar draws a single-line text progress bar.
type Bar struct {
	mu     sync.Mutex
	w      io.Writer
	width  int
	label  string
	total  int
	done   int
	suffix string
}

// NewBar creates a bar writing to w.
func NewBar(w io.Writer) *Bar {
	return &Bar{w: w, width: 30}
}

// Start resets the bar for a new sweep of total steps.
func (b *Bar) Start(label string, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.label, b.total, b.done, b.suffix = label, total, 0, ""
	b.draw()
}

// Step advances the bar by one and replaces the suffix.
func (b *Bar) Step(suffix string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done < b.total {
		b.done++
	}
	b.suffix = suffix
	b.draw()
}

// Finish terminates the bar line.
func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = fmt.Fprintln(b.w)
}

// Line renders the current state without writing it.
func (b *Bar) Line() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.line()
}

func (b *Bar) draw() {
	_, _ = fmt.Fprint(b.w, "\r"+b.line())
}

func (b *Bar) line() string {
	filled := 0
	percent := 100
	if b.total > 0 {
		filled = b.width * b.done / b.total
		percent = 100 * b.done / b.total
	}
	var sb strings.Builder
	if b.label != "" {
		sb.WriteString(b.label)
		sb.WriteByte(' ')
	}
	sb.WriteByte('[')
	sb.WriteString(strings.Repeat("#", filled))
	sb.WriteString(strings.Repeat(".", b.width-filled))
	fmt.Fprintf(&sb, "] %s/%s %3d%%", humanize.Comma(int64(b.done)), humanize.Comma(int64(b.total)), percent)
	if b.suffix != "" {
		sb.WriteString(" ")
		sb.WriteString(b.suffix)
	}
	return sb.String()
}

type nop struct{}

func (nop) Start(string, int) {}
func (nop) Step(string)       {}
func (nop) Finish()           {}

// Nop returns a reporter that discards everything.
func Nop() Reporter { return nop{} }
