// Package report renders a batch result for the operator.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/holon-run/slam/pkg/batch"
	"github.com/holon-run/slam/pkg/outcome"
)

// Reporter writes one line per repository followed by a summary.
type Reporter struct {
	Out io.Writer
	// Verbose adds outcome messages to success lines.
	Verbose bool
}

// New returns a Reporter writing to w.
func New(w io.Writer) *Reporter {
	return &Reporter{Out: w}
}

var summaryOrder = []outcome.Status{
	outcome.StatusCreated,
	outcome.StatusMerged,
	outcome.StatusApproved,
	outcome.StatusClosed,
	outcome.StatusSkipped,
	outcome.StatusFailed,
}

// Print renders res and returns its exit code.
func (r *Reporter) Print(res *batch.Result) int {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	width := 0
	for _, o := range res.Outcomes {
		if len(o.Repo) > width {
			width = len(o.Repo)
		}
	}

	for _, o := range res.Outcomes {
		repo := fmt.Sprintf("%-*s", width, o.Repo)
		switch o.Status {
		case outcome.StatusFailed:
			fmt.Fprintf(r.Out, "%s  %s  %s\n", repo, red("failed"), red(string(o.Kind)+": "+firstLine(o.Message)))
		case outcome.StatusSkipped:
			line := fmt.Sprintf("%s  %s  %s", repo, yellow("skipped"), o.Reason)
			if o.PRURL != "" {
				line += "  " + dim(o.PRURL)
			}
			if o.Message != "" && (r.Verbose || o.Reason == outcome.ReasonDryRun) {
				line += "  " + dim(o.Message)
			}
			fmt.Fprintln(r.Out, line)
		default:
			line := fmt.Sprintf("%s  %s", repo, green(string(o.Status)))
			if o.PRNumber != 0 {
				line += fmt.Sprintf("  #%d", o.PRNumber)
			}
			if o.PRURL != "" {
				line += "  " + dim(o.PRURL)
			}
			fmt.Fprintln(r.Out, line)
		}
	}

	counts := res.Counts()
	var parts []string
	for _, s := range summaryOrder {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "nothing to do")
	}

	summary := fmt.Sprintf("%d repositories: %s", len(res.Outcomes), strings.Join(parts, ", "))
	switch res.Status {
	case batch.AllSucceeded:
		fmt.Fprintln(r.Out, green(summary))
	case batch.PartialFailure:
		fmt.Fprintln(r.Out, yellow(summary))
	default:
		fmt.Fprintln(r.Out, red(summary))
	}
	if res.AbortError != "" {
		fmt.Fprintf(r.Out, "%s %s\n", red("aborted:"), res.AbortError)
	}
	if res.Session != "" {
		fmt.Fprintf(r.Out, "%s %s\n", dim("session"), res.Session)
	}

	return res.ExitCode()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
