// Package report renders the ranked profiling report and echoes source
// lines for the hottest frames through the debugger.
package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/wcprof/wcprof/pkg/aggregate"
	"github.com/wcprof/wcprof/pkg/backtrace"
)

// SourceLister issues a gdb command and returns its reply. The live
// driver satisfies this; a nil lister disables source echoing.
type SourceLister interface {
	Send(command string) error
	Fetch(until string) (string, error)
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).MarginBottom(1)
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62")).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

// Reporter writes the final report.
type Reporter struct {
	w      io.Writer
	lister SourceLister
}

// New builds a reporter writing to w; lister may be nil.
func New(w io.Writer, lister SourceLister) *Reporter {
	return &Reporter{w: w, lister: lister}
}

// Render prints the three report sections: ranked functions, ranked root
// stacks per depth, and full ranked stacks; plus a per-thread breakdown
// when more than one thread was sampled.
func (r *Reporter) Render(agg *aggregate.Aggregator) {
	total := agg.Samples()

	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, titleStyle.Render("Wall-clock profile report"))
	fmt.Fprintln(r.w, dimStyle.Render(strings.Repeat("═", 60)))
	fmt.Fprintln(r.w)

	r.renderFunctions(agg, total)
	r.renderRoots(agg, total)
	r.renderStacks(agg, total)
	r.renderThreads(agg)
}

func (r *Reporter) renderFunctions(agg *aggregate.Aggregator, total int) {
	funcs := agg.RankedFunctions(1)

	fmt.Fprintln(r.w, sectionStyle.Render("Functions with more than one sample:"))
	fmt.Fprintln(r.w)
	if len(funcs) == 0 {
		fmt.Fprintln(r.w, dimStyle.Render("  (none)"))
		fmt.Fprintln(r.w)
		return
	}

	rows := make([][]string, len(funcs))
	for i, f := range funcs {
		rows[i] = []string{
			f.Name,
			strconv.Itoa(f.Count),
			fmt.Sprintf("%.3f%%", percent(f.Count, total)),
		}
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("FUNCTION", "SAMPLES", "SHARE").
		Rows(rows...)
	fmt.Fprintln(r.w, t)
	fmt.Fprintln(r.w)
}

func (r *Reporter) renderRoots(agg *aggregate.Aggregator, total int) {
	for d := 1; d < aggregate.MaxRootDepth; d++ {
		roots := agg.RankedRoots(d)
		if len(roots) == 0 {
			continue
		}
		fmt.Fprintf(r.w, "%s\n\n",
			sectionStyle.Render(fmt.Sprintf("Partial stacks of depth [%d] with more than one sample:", d)))
		for _, e := range roots {
			r.printStack(e, total)
		}
	}
}

func (r *Reporter) renderStacks(agg *aggregate.Aggregator, total int) {
	fmt.Fprintf(r.w, "%s\n\n", sectionStyle.Render("Full stacks with at least one sample:"))
	for _, e := range agg.RankedStacks() {
		r.printStack(e, total)
	}
}

func (r *Reporter) renderThreads(agg *aggregate.Aggregator) {
	threads := agg.Threads()
	if len(threads) < 2 {
		return
	}
	fmt.Fprintf(r.w, "%s\n\n", sectionStyle.Render("Per-thread breakdown:"))
	for _, name := range threads {
		sub := agg.ByThread(name)
		if sub == nil {
			continue
		}
		fmt.Fprintf(r.w, "  %s: %d samples, %d unique stacks\n",
			name, sub.Samples(), sub.UniqueStacks())
		for _, f := range sub.RankedFunctions(1) {
			fmt.Fprintf(r.w, "    %7.3f%% (%d samples)  %s\n",
				percent(f.Count, sub.Samples()), f.Count, f.Name)
		}
		fmt.Fprintln(r.w)
	}
}

// printStack prints one ranked stack: the percent header, the top frame,
// its source line when gdb can produce it, and the rest of the frames.
func (r *Reporter) printStack(e aggregate.Entry, total int) {
	top := e.Stack.Frames[0]

	fmt.Fprintf(r.w, "%7.3f%% ===================================== (%d samples)\n",
		percent(e.Count, total), e.Count)
	fmt.Fprintf(r.w, "       %3d: %s   (at %s:%d)\n", 1, top.Func, top.File, top.Line)

	if src, ok := r.sourceLine(top); ok {
		fmt.Fprintf(r.w, "            %d:|   %s\n", top.Line, src)
	}

	for i := 1; i < len(e.Stack.Frames); i++ {
		f := e.Stack.Frames[i]
		fmt.Fprintf(r.w, "       %3d: %s   (at %s:%d)\n", i+1, f.Func, f.File, f.Line)
	}
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w)
}

// sourceLine fetches the source text at a frame through the debugger.
// Any failure is silent; the frame is printed either way.
func (r *Reporter) sourceLine(f backtrace.Frame) (string, bool) {
	if r.lister == nil || f.Line <= 0 || f.File == "" {
		return "", false
	}
	if err := r.lister.Send(fmt.Sprintf("list %s:%d,%d", f.File, f.Line, f.Line)); err != nil {
		return "", false
	}
	resp, err := r.lister.Fetch("")
	if err != nil {
		return "", false
	}
	return ExtractListedLine(resp, f.File, f.Line)
}

// ExtractListedLine pulls the annotated source text out of a gdb/MI
// "list FILE:LINE,LINE" reply. The line arrives as a console record
// `~"<line>\t<text>\n"`; a reply that repeats the file name after the
// marker is gdb's not-found echo, not source text.
func ExtractListedLine(resp, file string, line int) (string, bool) {
	marker := "~\"" + strconv.Itoa(line) + "\\t"
	pos := strings.Index(resp, marker)
	if pos < 0 {
		return "", false
	}
	rest := resp[pos+len(marker):]
	if strings.Contains(rest, file) {
		return "", false
	}
	rest = strings.TrimLeft(rest, " ")
	if end := strings.Index(rest, "\\n"); end >= 0 {
		rest = rest[:end]
	}
	return rest, true
}

func percent(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(count) / float64(total)
}
