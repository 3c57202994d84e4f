package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"dex/internal/progress"
)

// console renders worker messages for a person watching the terminal.
type console struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool

	status *color.Color
	step   *color.Color
	warn   *color.Color
	faint  *color.Color
}

func newConsole(w io.Writer, verbose bool) *console {
	return &console{
		w:       w,
		verbose: verbose,
		status:  color.New(color.FgCyan),
		step:    color.New(color.FgBlue, color.Bold),
		warn:    color.New(color.FgYellow),
		faint:   color.New(color.FgHiBlack),
	}
}

func (c *console) println(col *color.Color, format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if col == nil {
		fmt.Fprintf(c.w, format+"\n", args...)
		return
	}
	col.Fprintf(c.w, format+"\n", args...)
}

func (c *console) Status(text string) {
	if strings.HasPrefix(text, "Warning:") {
		c.println(c.warn, "! %s", text)
		return
	}
	c.println(c.status, "› %s", text)
}

func (c *console) Progress(u progress.Update) {
	c.mu.Lock()
	c.step.Fprintf(c.w, "[%d/%d] ", u.Phase.Step, u.Phase.Total)
	fmt.Fprintf(c.w, "%s\n", u.Message)
	c.mu.Unlock()
}

func (c *console) Log(text string) {
	c.println(nil, "  %s", text)
}

// Data shows streamed values only in verbose mode; warnings already
// arrive as status lines.
func (c *console) Data(key string, value json.RawMessage) {
	if !c.verbose {
		return
	}
	c.println(c.faint, "  %s = %s", key, truncate(string(value), 200))
}

func (c *console) Debug(text string) {
	if c.verbose {
		c.println(c.faint, "  debug: %s", text)
	}
}

func (c *console) Captured(key, url string) {
	if c.verbose {
		c.println(c.faint, "  captured %s: %s", key, url)
	}
}

func (c *console) Raw(line string) {
	if c.verbose {
		c.println(c.faint, "  worker: %s", line)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
