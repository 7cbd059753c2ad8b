// Command pmrtop is a live terminal dashboard over a Runtime's memory,
// worker and dispatcher stats, polling once a second the way `top` polls
// /proc (spec.md §9 "Live dashboard").
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/arsham/figurine/figurine"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/fogleman/ease"
	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/muesli/reflow/wordwrap"
	"github.com/muesli/termenv"
	"github.com/olekukonko/tablewriter"

	"github.com/pmrhq/pmr/pmr"
)

func main() {
	rt := pmr.New(pmr.DefaultConfig())
	defer rt.Shutdown(context.Background())

	showBanner(colorable.NewColorableStdout())

	p := tea.NewProgram(newModel(rt))
	if err := p.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "pmrtop:", err)
		os.Exit(1)
	}
}

// showBanner renders a "PMR" banner that fades in over roughly a third of
// a second, using fogleman/ease for the easing curve and go-colorful to
// interpolate between a dim and a bright color at each animation frame
// (spec.md §9 "fading startup banner").
func showBanner(w io.Writer) {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(w, "PMR")
		return
	}
	dim, _ := colorful.Hex("#333333")
	bright, _ := colorful.Hex("#00D7FF")
	profile := termenv.ColorProfile()

	const frames = 12
	for i := 0; i <= frames; i++ {
		t := ease.OutCubic(float64(i) / frames)
		c := dim.BlendLuv(bright, t)
		fmt.Fprint(w, "\r")
		styled := termenv.String("PMR").Foreground(profile.Color(c.Hex()))
		fmt.Fprint(w, styled.String())
		time.Sleep(25 * time.Millisecond)
	}
	fmt.Fprintln(w)
	_ = figurine.Write(w, "PMR\n", "standard.flf")
}

type model struct {
	rt     *pmr.Runtime
	width  int
	height int
}

func newModel(rt *pmr.Runtime) model {
	return model{rt: rt}
}

type tickMsg time.Time

func (m model) Init() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tickMsg:
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
	}
	return m, nil
}

func (m model) View() string {
	mstats := m.rt.GetMemStats()
	wstats := m.rt.GetWorkerStats()

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"metric", "value"})
	table.Append([]string{"mem bytes", fmt.Sprint(mstats.Bytes)})
	table.Append([]string{"mem used", fmt.Sprint(mstats.Used)})
	table.Append([]string{"regions", fmt.Sprint(mstats.RegionCount)})
	table.Append([]string{"gc cycles", fmt.Sprint(mstats.GCCycles)})
	table.Append([]string{"workers min/max", fmt.Sprintf("%d/%d", wstats.Min, wstats.Max)})
	table.Append([]string{"workers idle/busy", fmt.Sprintf("%d/%d", wstats.Idle, wstats.Busy)})
	table.Append([]string{"workers yielded", fmt.Sprint(wstats.Yielded)})
	table.Render()

	body := wordwrap.String(buf.String(), maxInt(m.width, 40))
	return termenv.String(body).String() + "\n(q to quit)\n"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
