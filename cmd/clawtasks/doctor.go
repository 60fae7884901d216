package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/clawtasks/internal/config"
	"github.com/basket/clawtasks/internal/doctor"
)

var doctorStatusStyles = map[string]lipgloss.Style{
	doctor.StatusPass: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	doctor.StatusWarn: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	doctor.StatusFail: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	doctor.StatusSkip: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
}

func (c *cli) runDoctor(ctx context.Context, args []string) int {
	fs, _, asJSON := c.flags("doctor")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		// Keep going so the report can show what is wrong.
		fmt.Fprintf(c.errOut, "config load: %v\n", err)
	}
	var cfgPtr *config.Config
	if err == nil {
		cfgPtr = &cfg
	}
	diag := doctor.Run(ctx, cfgPtr, Version)

	r := c.render(*asJSON)
	if *asJSON {
		if err := r.writeJSON(diag); err != nil {
			return c.fail(err)
		}
		if !diag.Healthy() {
			return 1
		}
		return 0
	}

	fmt.Fprintf(c.out, "clawtasks doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(c.out, "system: %s/%s (%s), version %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)

	t := r.newTable("CHECK", "STATUS", "MESSAGE")
	for _, res := range diag.Results {
		status := res.Status
		if r.styled {
			status = doctorStatusStyles[res.Status].Render(res.Status)
		}
		msg := res.Message
		if res.Detail != "" {
			msg += "\n" + res.Detail
		}
		t.Row(res.Name, status, msg)
	}
	fmt.Fprintln(c.out, t.Render())

	if !diag.Healthy() {
		return 1
	}
	return 0
}

func (c *cli) runInit(_ context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(c.errOut, "usage: clawtasks init")
		return 2
	}
	home := config.HomeDir()
	path, err := config.WriteDefault(home)
	if err != nil {
		return c.fail(err)
	}
	fmt.Fprintf(c.out, "config: %s\n", path)
	return 0
}
