package cmd

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/pterm/pterm"

	"batchpack/internal/models"
	"batchpack/internal/pipeline"
	"batchpack/pkg/utils"
)

// terminalObserver renders batch events for a person watching the run: one
// prefixed line per status change and a single progress bar for the batch.
type terminalObserver struct {
	names   map[string]string
	verbose bool
	details bool

	mu      sync.Mutex
	bar     *pterm.ProgressbarPrinter
	percent int
}

func newTerminalObserver(items []*models.BatchItem, verbose, details bool) *terminalObserver {
	names := make(map[string]string, len(items))
	for _, it := range items {
		names[it.ID] = it.Name
	}
	return &terminalObserver{names: names, verbose: verbose, details: details}
}

func (o *terminalObserver) name(itemID string) string {
	if n, ok := o.names[itemID]; ok {
		return n
	}
	return itemID
}

func printerFor(severity pipeline.Severity) *pterm.PrefixPrinter {
	switch severity {
	case pipeline.SeveritySuccess:
		return &pterm.Success
	case pipeline.SeverityWarning:
		return &pterm.Warning
	case pipeline.SeverityError:
		return &pterm.Error
	}
	return &pterm.Info
}

func (o *terminalObserver) StatusUpdate(itemID, text string, severity pipeline.Severity) {
	if severity == pipeline.SeverityInfo && !o.verbose {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	printerFor(severity).Printfln("%s: %s", o.name(itemID), text)
}

func (o *terminalObserver) ProgressUpdate(percent float64, eta time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bar == nil {
		bar, err := pterm.DefaultProgressbar.WithTotal(100).WithTitle("Batch").Start()
		if err != nil {
			return
		}
		o.bar = bar
	}
	next := int(math.Floor(percent))
	if next > o.percent {
		o.bar.Add(next - o.percent)
		o.percent = next
	}
	o.bar.UpdateTitle(progressTitle(percent, eta))
}

func progressTitle(percent float64, eta time.Duration) string {
	if percent >= 100 {
		return "Batch done"
	}
	return fmt.Sprintf("Batch, %s left", utils.FormatETA(eta))
}

func (o *terminalObserver) Summary(s *models.BatchSummary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bar != nil {
		o.bar.Stop()
		o.bar = nil
	}

	line := summaryColor(s).SprintFunc()
	fmt.Println(line(s.Line()))
	if s.Skipped > 0 || s.Cancelled > 0 {
		fmt.Printf("  %d skipped, %d cancelled\n", s.Skipped, s.Cancelled)
	}
	for _, l := range s.Links {
		fmt.Printf("  %s: %s\n", l.Name, linkFor(l))
	}
	if o.details || o.verbose {
		for _, f := range s.Failures {
			fmt.Printf("  %s %s [%s]: %s\n", color.RedString("✗"), f.Name, f.Phase, f.Reason)
		}
	}
	fmt.Printf("  Took %s\n", s.Duration)
}

func summaryColor(s *models.BatchSummary) *color.Color {
	switch {
	case s.Failed() > 0:
		return color.New(color.FgRed, color.Bold)
	case s.Skipped > 0 || s.Cancelled > 0:
		return color.New(color.FgYellow, color.Bold)
	}
	return color.New(color.FgGreen, color.Bold)
}

func linkFor(l models.Link) string {
	if l.MirrorURL != "" {
		return l.MirrorURL
	}
	return l.URL
}
