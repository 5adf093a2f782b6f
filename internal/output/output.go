// Package output renders operation results and deploy progress on a terminal.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/eugenetaranov/nftgate/internal/firewall"
	"github.com/eugenetaranov/nftgate/internal/progress"
	"github.com/eugenetaranov/nftgate/internal/script"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Output handles formatted output. It is safe for concurrent use, so it can
// serve as the progress sink of a running deployment.
type Output struct {
	mu       sync.Mutex
	w        io.Writer
	useColor bool
	debug    bool
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// Stats holds plan run statistics for output.
type Stats interface {
	GetOK() int
	GetChanged() int
	GetFailed() int
	GetSkipped() int
	GetDuration() time.Duration
}

// PlanStart prints the plan start banner.
func (o *Output) PlanStart(path string) {
	o.printf("\n%s %s\n", o.color(colorBold, "PLAN"), path)
	if o.debug {
		o.printf("%s\n", strings.Repeat("-", 60))
	}
}

// PlayStart prints the banner of one play on one host.
func (o *Output) PlayStart(name, hostID string) {
	o.printf("\n%s %s %s\n", o.color(colorBold, "PLAY"), name, o.color(colorGray, "["+hostID+"]"))
}

// Recap prints the run summary.
func (o *Output) Recap(stats Stats) {
	ok := o.color(colorGreen, fmt.Sprintf("ok=%d", stats.GetOK()))
	changed := o.color(colorYellow, fmt.Sprintf("changed=%d", stats.GetChanged()))
	failed := o.color(colorRed, fmt.Sprintf("failed=%d", stats.GetFailed()))
	skipped := o.color(colorCyan, fmt.Sprintf("skipped=%d", stats.GetSkipped()))

	o.printf("\n%s %s %s %s %s %s\n", o.color(colorBold, "RECAP"), ok, changed, failed, skipped,
		o.color(colorGray, fmt.Sprintf("(%.2fs)", stats.GetDuration().Seconds())))
}

// TaskResult prints a plan task result in a single line.
func (o *Output) TaskResult(name, status, message string) {
	var indicator, statusColor string
	switch {
	case strings.HasPrefix(status, "ok"):
		indicator, statusColor = "✓", colorGreen
	case strings.HasPrefix(status, "changed"):
		indicator, statusColor = "✓", colorYellow
	case strings.HasPrefix(status, "skipped"):
		indicator, statusColor = "○", colorCyan
	case strings.HasPrefix(status, "failed"):
		indicator, statusColor = "✗", colorRed
	default:
		indicator, statusColor = "?", colorGray
	}

	o.printf("  %s %s %s\n", o.color(statusColor, indicator), name, o.color(colorGray, "("+status+")"))
	if message != "" && (o.debug || strings.HasPrefix(status, "failed")) {
		o.printf("    %s %s\n", o.color(colorGray, "→"), message)
	}
}

// Emit prints one progress event. It implements progress.Sink.
func (o *Output) Emit(e progress.Event) {
	switch e.Type {
	case progress.TypeLog:
		o.printf("  %s %s\n", o.color(colorGray, "│"), e.Message)
	case progress.TypeSuccess:
		o.printf("  %s %s\n", o.color(colorGreen, "✓"), e.Message)
	case progress.TypeError:
		if e.Done {
			o.printf("%s %s\n", o.color(colorRed, "✗ FAILED"), e.Message)
			return
		}
		o.printf("  %s %s\n", o.color(colorRed, "✗"), e.Message)
	case progress.TypeComplete:
		o.printf("%s %s\n", o.color(colorBold+colorGreen, "✓ DONE"), e.Message)
	}
}

// Result prints a one-line status for an operation.
// Format: [indicator] name (status)
func (o *Output) Result(name string, r firewall.Response) {
	var indicator, statusColor, status string
	switch {
	case !r.Success:
		indicator, statusColor, status = "✗", colorRed, "failed"
	case r.Stale:
		indicator, statusColor, status = "✓", colorYellow, "stale"
	case r.Cached:
		indicator, statusColor, status = "✓", colorCyan, "cached"
	default:
		indicator, statusColor, status = "✓", colorGreen, "ok"
	}
	o.printf("%s %s %s\n", o.color(statusColor, indicator), name, o.color(statusColor, "("+status+")"))

	if r.Error != "" {
		label := "error:"
		if r.Kind != "" {
			label = r.Kind + " error:"
		}
		o.printf("  %s %s\n", o.color(colorGray, label), r.Error)
	}
}

// Response prints the result line, the decoded data and, in debug mode or
// when there is no data, the raw script output.
func (o *Output) Response(name string, r firewall.Response) {
	o.Result(name, r)
	if r.Data != nil {
		o.data(r.Data)
	}
	if r.Output != "" && (o.debug || r.Data == nil) {
		for _, line := range strings.Split(strings.TrimRight(script.StripANSI(r.Output), "\n"), "\n") {
			o.printf("    %s\n", line)
		}
	}
}

func (o *Output) data(v any) {
	switch d := v.(type) {
	case script.Ports:
		o.printf("  %s %s\n", o.color(colorBold, "TCP:"), joinInts(d.TCP))
		o.printf("  %s %s\n", o.color(colorBold, "UDP:"), joinInts(d.UDP))
	case []string:
		if len(d) == 0 {
			o.printf("  %s\n", o.color(colorGray, "(none)"))
		}
		for _, s := range d {
			o.printf("  %s\n", s)
		}
	case firewall.SSHPort:
		if d.Port > 0 {
			o.printf("  %s %d\n", o.color(colorBold, "port:"), d.Port)
		} else {
			o.printf("  %s\n", d.Report)
		}
	case string:
		for _, line := range strings.Split(d, "\n") {
			o.printf("  %s\n", line)
		}
	case map[string]any:
		keys := make([]string, 0, len(d))
		for k := range d {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			o.Section(k)
			o.data(d[k])
		}
	case int:
		o.printf("  %s %d\n", o.color(colorGray, "exit:"), d)
	default:
		b, err := json.MarshalIndent(v, "  ", "  ")
		if err != nil {
			o.printf("  %v\n", v)
			return
		}
		o.printf("  %s\n", b)
	}
}

func joinInts(ns []int) string {
	if len(ns) == 0 {
		return "(none)"
	}
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}

// Actions prints the action catalogue as a table.
func (o *Output) Actions(actions []script.Info) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tw := tabwriter.NewWriter(o.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tNAME\tPARAMS\tDESCRIPTION")
	for _, a := range actions {
		params := strings.Join(a.Params, " ")
		if params == "" {
			params = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", a.Action, a.Name, params, a.Description)
	}
	_ = tw.Flush()
}

// JSON writes v as indented JSON.
func (o *Output) JSON(v any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Section prints a section header.
func (o *Output) Section(name string) {
	o.printf("\n%s\n", o.color(colorBold, name))
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}
