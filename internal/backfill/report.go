package backfill

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
)

// Report summarizes a backfill run.
type Report struct {
	Rows            int            `json:"rows"`
	Users           int            `json:"users"`
	Conversations   int            `json:"conversations"`
	Queries         int            `json:"queries"`
	Responses       int            `json:"responses"`
	FailedResponses int            `json:"failed_responses"`
	Placeholders    int            `json:"placeholders"`
	Fallbacks       int            `json:"fallbacks"`
	Duplicates      int            `json:"duplicates"`
	Strategies      map[string]int `json:"strategies"`
	DryRun          bool           `json:"dry_run"`
	Committed       bool           `json:"committed"`
	Duration        time.Duration  `json:"duration"`
}

func newReport(rows int, dryRun bool) *Report {
	return &Report{Rows: rows, DryRun: dryRun, Strategies: make(map[string]int)}
}

func (r *Report) clone() *Report {
	out := *r
	out.Strategies = make(map[string]int, len(r.Strategies))
	for k, v := range r.Strategies {
		out.Strategies[k] = v
	}
	return &out
}

// Render writes a human-readable summary.
func (r *Report) Render(w io.Writer) error {
	outcome := "committed"
	switch {
	case r.DryRun:
		outcome = "dry run, rolled back"
	case !r.Committed:
		outcome = "not committed"
	}

	lines := [][2]string{
		{"rows read", humanize.Comma(int64(r.Rows))},
		{"users", humanize.Comma(int64(r.Users))},
		{"conversations", humanize.Comma(int64(r.Conversations))},
		{"queries", humanize.Comma(int64(r.Queries))},
		{"responses", humanize.Comma(int64(r.Responses))},
		{"  failed", humanize.Comma(int64(r.FailedResponses))},
		{"  placeholder queries", humanize.Comma(int64(r.Placeholders))},
		{"  fallback links", fmt.Sprintf("%s (%s)", humanize.Comma(int64(r.Fallbacks)), percent(r.Fallbacks, r.Responses))},
		{"duplicates skipped", humanize.Comma(int64(r.Duplicates))},
	}

	names := make([]string, 0, len(r.Strategies))
	for name := range r.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lines = append(lines, [2]string{"  linked via " + name, humanize.Comma(int64(r.Strategies[name]))})
	}

	width := 0
	for _, l := range lines {
		width = max(width, runewidth.StringWidth(l[0]))
	}
	if _, err := fmt.Fprintf(w, "Backfill %s in %s\n", outcome, r.Duration.Round(time.Millisecond)); err != nil {
		return err
	}
	for _, l := range lines {
		if _, err := fmt.Fprintf(w, "  %s  %s\n", runewidth.FillRight(l[0], width), l[1]); err != nil {
			return err
		}
	}
	return nil
}

func percent(n, total int) string {
	if total == 0 {
		return "0%"
	}
	return humanize.FtoaWithDigits(float64(n)*100/float64(total), 1) + "%"
}
