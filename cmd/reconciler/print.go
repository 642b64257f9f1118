package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/cachestate"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/cleaner"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/matcher"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/pass"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/health"
	"github.com/fatih/color"
)

var (
	cyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

type cacheView struct {
	cachestate.State
	Building bool `json:"building"`
}

type statusView struct {
	Cache  cacheView     `json:"cache"`
	Health health.Report `json:"health"`
}

// render writes v as indented JSON when --json is set, otherwise through
// pretty.
func render[T any](w io.Writer, v T, pretty func(io.Writer, T)) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	pretty(w, v)
	return nil
}

func statusLabel(s pass.Status) string {
	switch s {
	case pass.StatusCompleted:
		return green("● " + string(s))
	case pass.StatusSkipped:
		return yellow("○ " + string(s))
	default:
		return red("✗ " + string(s))
	}
}

func printMatchReport(w io.Writer, r matcher.MatchReport) {
	fmt.Fprintf(w, "\n%s\n\n", cyan("=== Matching Pass ==="))
	fmt.Fprintf(w, "  Status:        %s\n", statusLabel(r.Status))
	fmt.Fprintf(w, "  Pass:          %s\n", r.PassID)
	fmt.Fprintf(w, "  Index version: %d\n", r.IndexVersion)
	fmt.Fprintf(w, "  Elapsed:       %v\n\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Processed:     %d\n", r.Processed)
	fmt.Fprintf(w, "  Matched:       %s\n", green(r.Matched))
	fmt.Fprintf(w, "  Unmatched:     %d\n", r.Unmatched)
	if r.Deferred > 0 {
		fmt.Fprintf(w, "  Deferred:      %s (%d pending)\n", yellow(r.Deferred), r.Pending)
	}
	if r.Conflicts > 0 {
		fmt.Fprintf(w, "  Conflicts:     %s\n", yellow(r.Conflicts))
	}
	if r.Failed > 0 {
		fmt.Fprintf(w, "  Failed:        %s\n", red(r.Failed))
	}
	printError(w, r.Error)
}

func printCleanReport(w io.Writer, r cleaner.CleanReport) {
	fmt.Fprintf(w, "\n%s\n\n", cyan("=== Cleaning Pass ==="))
	fmt.Fprintf(w, "  Status:           %s\n", statusLabel(r.Status))
	fmt.Fprintf(w, "  Pass:             %s\n", r.PassID)
	fmt.Fprintf(w, "  Index version:    %d\n", r.IndexVersion)
	if r.Reindexed {
		fmt.Fprintf(w, "  Reindexed:        %s\n", yellow("yes"))
	}
	fmt.Fprintf(w, "  Elapsed:          %v\n\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Scanned:          %d\n", r.Scanned)
	fmt.Fprintf(w, "  Skipped:          %s\n", gray(r.Skipped))
	if r.Deferred > 0 {
		fmt.Fprintf(w, "  Deferred:         %s\n", yellow(r.Deferred))
	}
	fmt.Fprintf(w, "  Suggested merges: %s\n", green(r.SuggestedMerges))
	fmt.Fprintf(w, "  Already pending:  %d\n", r.AlreadyPending)
	if r.Failed > 0 {
		fmt.Fprintf(w, "  Failed:           %s\n", red(r.Failed))
	}
	printError(w, r.Error)
}

func printCacheState(w io.Writer, c cacheView) {
	fmt.Fprintf(w, "\n%s\n\n", cyan("=== Semantic Index ==="))
	switch {
	case c.Building:
		fmt.Fprintf(w, "  State:         %s\n", yellow("⚠ building"))
	case c.Initialized:
		fmt.Fprintf(w, "  State:         %s\n", green("● initialized"))
	default:
		fmt.Fprintf(w, "  State:         %s\n", red("○ not initialized"))
	}
	fmt.Fprintf(w, "  Index version: %d\n", c.IndexVersion)
	fmt.Fprintf(w, "  Corpus size:   %d\n", c.CorpusSize)
	if c.LastFullIndexAt != nil {
		fmt.Fprintf(w, "  Last build:    %s (%v ago)\n",
			c.LastFullIndexAt.Format("2006-01-02 15:04:05"),
			time.Since(*c.LastFullIndexAt).Round(time.Second))
	} else {
		fmt.Fprintf(w, "  Last build:    %s\n", gray("never"))
	}
}

func printStatus(w io.Writer, v statusView) {
	printCacheState(w, v.Cache)
	fmt.Fprintf(w, "\n%s\n\n", cyan("=== Dependencies ==="))

	names := make([]string, 0, len(v.Health.Components))
	for name := range v.Health.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := v.Health.Components[name]
		icon := green("●")
		switch c.Status {
		case health.StatusDegraded:
			icon = yellow("⚠")
		case health.StatusDown:
			icon = red("✗")
		}
		line := fmt.Sprintf("  %s %-10s %s", icon, name, c.Status)
		if c.Message != "" {
			line += " " + gray("("+c.Message+")")
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w)
}

func printError(w io.Writer, msg string) {
	if msg != "" {
		fmt.Fprintf(w, "\n  %s %s\n", red("Error:"), msg)
	}
	fmt.Fprintln(w)
}

func printOK(w io.Writer, msg string) {
	fmt.Fprintf(w, "%s %s\n", green("✓"), msg)
}
