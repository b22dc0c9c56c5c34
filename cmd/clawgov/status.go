package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"

	"github.com/basket/clawgov/internal/persistence"
)

type statusReport struct {
	Home         string                            `json:"home"`
	MainGroup    string                            `json:"main_group"`
	Tasks        map[persistence.GovState]int      `json:"tasks"`
	ExtCalls     map[persistence.ExtCallStatus]int `json:"ext_calls"`
	Dispatches   int                               `json:"dispatches"`
	Capabilities int                               `json:"active_capabilities"`
	Products     int                               `json:"products"`
	ChainOK      bool                              `json:"activity_chain_ok"`
	ChainRows    int                               `json:"activity_rows"`
}

func runStatusCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "JSON output")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return withApp(ctx, os.Stderr, func(a *app) int {
		report, err := collectStatus(ctx, a)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return 1
		}
		if *jsonOutput || !isTerminal(out) {
			_ = printJSON(out, report)
			return 0
		}
		fmt.Fprintln(out, renderStatus(report))
		return 0
	})
}

func collectStatus(ctx context.Context, a *app) (statusReport, error) {
	r := statusReport{Home: a.cfg.HomeDir, MainGroup: a.cfg.MainGroup}
	var err error
	if r.Tasks, err = a.store.GovTaskCounts(ctx); err != nil {
		return r, err
	}
	if r.ExtCalls, err = a.store.ExtCallCounts(ctx); err != nil {
		return r, err
	}
	if r.Dispatches, err = a.store.CountDispatches(ctx); err != nil {
		return r, err
	}
	caps, err := a.store.ListCapabilities(ctx, "")
	if err != nil {
		return r, err
	}
	for _, c := range caps {
		if c.Active {
			r.Capabilities++
		}
	}
	products, err := a.store.ListProducts(ctx)
	if err != nil {
		return r, err
	}
	r.Products = len(products)
	chain, err := a.store.VerifyActivityChain(ctx)
	if err != nil {
		return r, err
	}
	r.ChainOK, r.ChainRows = chain.OK, chain.Rows
	return r, nil
}

func renderStatus(r statusReport) string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	label := lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(14)
	ok := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	bad := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	box := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).Padding(0, 1)

	var b strings.Builder
	b.WriteString(title.Render("clawgov "+Version) + "\n")
	fmt.Fprintf(&b, "%s%s\n", label.Render("home"), r.Home)
	fmt.Fprintf(&b, "%s%s\n", label.Render("main group"), r.MainGroup)

	states := make([]string, 0, len(persistence.AllStates))
	for _, st := range persistence.AllStates {
		states = append(states, fmt.Sprintf("%s=%d", st, r.Tasks[st]))
	}
	fmt.Fprintf(&b, "%s%s\n", label.Render("tasks"), strings.Join(states, " "))

	statuses := make([]string, 0, len(r.ExtCalls))
	for st, n := range r.ExtCalls {
		statuses = append(statuses, fmt.Sprintf("%s=%d", st, n))
	}
	sort.Strings(statuses)
	fmt.Fprintf(&b, "%s%s\n", label.Render("ext calls"), strings.Join(statuses, " "))
	fmt.Fprintf(&b, "%s%d\n", label.Render("dispatches"), r.Dispatches)
	fmt.Fprintf(&b, "%s%d active\n", label.Render("capabilities"), r.Capabilities)
	fmt.Fprintf(&b, "%s%d\n", label.Render("products"), r.Products)

	chain := ok.Render(fmt.Sprintf("ok (%d rows)", r.ChainRows))
	if !r.ChainOK {
		chain = bad.Render("BROKEN")
	}
	fmt.Fprintf(&b, "%s%s", label.Render("activity"), chain)
	return box.Render(b.String())
}
