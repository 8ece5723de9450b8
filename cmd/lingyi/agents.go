package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/Starsky227/LingYiProject/internal/agent"
)

func runAgents(out io.Writer) error {
	a, err := newApp(configFlag, io.Discard)
	if err != nil {
		return err
	}
	defer a.shutdown()

	ds := a.sched.Registry().List()
	if len(ds) == 0 {
		fmt.Fprintln(out, "No agents registered.")
		return nil
	}
	fmt.Fprintln(out, agentTable(ds))
	return nil
}

func agentTable(ds []agent.Descriptor) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "NAME", "OPERATIONS", "LIMIT", "REUSABLE", "SOURCE")
	for _, d := range ds {
		ops := strings.Join(d.Capabilities, ", ")
		if ops == "" {
			ops = "*"
		}
		limit := "-"
		if d.ConcurrencyLimit > 0 {
			limit = strconv.Itoa(d.ConcurrencyLimit)
		}
		t.Row(d.ID, d.Name, ops, limit, strconv.FormatBool(d.Reusable), d.Source)
	}
	return t.String()
}
