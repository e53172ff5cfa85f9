// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// Metric is a named value reported at a step, e.g. the loss of a gradient descent step.
type Metric struct {
	Name, Value string
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
var maxUpdateFrequency = time.Millisecond * 200

type progressBarUpdate struct {
	amount, step int
	stepDuration time.Duration
	metrics      []Metric
}

// ProgressBar displays the progression of a loop of steps (e.g. gradient descent iterations) on the
// terminal, with a table of the latest metrics above the bar.
//
// Updates are drawn asynchronously, so a loop faster than the terminal is not slowed down.
// Update is not safe for concurrent use.
type ProgressBar struct {
	numSteps, lastStep int
	start              time.Time
	bar                *progressbar.ProgressBar
	out                io.Writer

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	lastNumRows      int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// NewProgressBar creates a progress bar for numSteps steps, printed to stdout.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func NewProgressBar(numSteps int, extraMetrics ...ExtraMetricFn) *ProgressBar {
	return newProgressBar(os.Stdout, numSteps, extraMetrics...)
}

func newProgressBar(out io.Writer, numSteps int, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		numSteps:       numSteps,
		start:          time.Now(),
		out:            out,
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		updates:        make(chan progressBarUpdate, 100), // Large buffer so the loop is not blocked.
		extraMetricFns: extraMetrics,
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(out),
	)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawLoop()
	return pBar
}

// Update reports that the loop finished the given step (0-based), with the metrics to display.
// Steps already reported are ignored.
func (pBar *ProgressBar) Update(step int, metrics ...Metric) {
	amount := step + 1 - pBar.lastStep
	if amount <= 0 || pBar.updates == nil {
		return
	}
	pBar.lastStep = step + 1
	pBar.updates <- progressBarUpdate{
		amount:       amount,
		step:         step + 1,
		stepDuration: time.Since(pBar.start) / time.Duration(step+1),
		metrics:      metrics,
	}
}

// Done waits for the pending updates to be drawn and restores the terminal cursor.
// The ProgressBar can't be updated afterwards.
func (pBar *ProgressBar) Done() {
	if pBar.updates == nil {
		return
	}
	close(pBar.updates)
	pBar.updates = nil
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
}

// drawLoop asynchronously draws the updates until the channel is closed.
func (pBar *ProgressBar) drawLoop() {
	defer pBar.asyncUpdatesDone.Done()
	updates := pBar.updates
	for update := range updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Step", fmt.Sprintf("%s of %s",
			humanize.Comma(int64(update.step)), humanize.Comma(int64(pBar.numSteps))))
		pBar.statsTable.Row("Mean step duration", FormatDuration(update.stepDuration))
		for _, metric := range update.metrics {
			pBar.statsTable.Row(metric.Name, metric.Value)
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}
		numRows := 2 + len(update.metrics) + len(pBar.extraMetricFns)

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(pBar.lastNumRows + 2 + 2)
		}
		pBar.isFirstOutput = false
		pBar.lastNumRows = numRows

		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}
