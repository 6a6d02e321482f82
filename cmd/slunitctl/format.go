package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/sunlightlinux/slunit/pkg/control"
)

var (
	green  = color.New(color.FgGreen, color.Bold).SprintFunc()
	red    = color.New(color.FgRed, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func colorActive(state string) string {
	switch state {
	case "active", "reloading":
		return green(state)
	case "failed":
		return red(state)
	case "activating", "deactivating":
		return yellow(state)
	default:
		return state
	}
}

func colorLoad(state string) string {
	switch state {
	case "loaded":
		return state
	case "error", "not-found":
		return red(state)
	case "masked":
		return faint(state)
	default:
		return yellow(state)
	}
}

// bullet is the state marker in front of a status report.
func bullet(active string) string {
	switch active {
	case "active", "reloading":
		return green("●")
	case "failed":
		return red("×")
	case "activating", "deactivating":
		return yellow("●")
	default:
		return "○"
	}
}

// formatStatus renders a unit status as text, with times relative to
// now.
func formatStatus(st *control.UnitStatus, now time.Time) string {
	var b strings.Builder

	title := st.Name
	if st.Description != "" {
		title += " - " + st.Description
	}
	fmt.Fprintf(&b, "%s %s\n", bullet(st.Active), title)

	load := colorLoad(st.Load)
	switch {
	case st.Fragment != "":
		load += " (" + st.Fragment + ")"
	case st.Transient:
		load += " (transient)"
	}
	field(&b, "Loaded", load)
	if st.LoadError != "" {
		field(&b, "Error", red(st.LoadError))
	}

	active := fmt.Sprintf("%s (%s)", colorActive(st.Active), st.Sub)
	if !st.StateChange.IsZero() {
		active += fmt.Sprintf(" since %s; %s ago", st.StateChange.Format(time.DateTime), formatAgo(now.Sub(st.StateChange)))
	}
	field(&b, "Active", active)
	if st.Result != "" && st.Result != "success" {
		field(&b, "Result", red(st.Result))
	}
	if st.Job != "" {
		field(&b, "Job", st.Job)
	}
	if st.What != "" {
		field(&b, "What", st.What)
	}
	if st.Sysfs != "" {
		field(&b, "Sysfs", st.Sysfs)
	}
	if st.Controller != "" {
		field(&b, "Controller", st.Controller)
	}
	if st.ControlPID > 0 {
		field(&b, "Control", fmt.Sprintf("%d", st.ControlPID))
	}
	if len(st.PIDs) > 0 {
		field(&b, "Tasks", fmt.Sprintf("%d (%s)", len(st.PIDs), pidList(st.PIDs)))
	}
	if st.Cgroup != "" {
		field(&b, "CGroup", st.Cgroup)
	}

	if st.Output != "" {
		b.WriteString("\n")
		b.WriteString(st.Output)
		if !strings.HasSuffix(st.Output, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func field(b *strings.Builder, name, value string) {
	fmt.Fprintf(b, "%12s: %s\n", name, value)
}

func formatAgo(d time.Duration) string {
	switch {
	case d < time.Second:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dmin %ds", int(d.Minutes()), int(d.Seconds())%60)
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dmin", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}

// formatEvent renders one unit event for the monitor command.
func formatEvent(ev control.UnitEvent) string {
	if ev.Reload {
		return fmt.Sprintf("%s: reloaded (%s)", ev.Unit, ev.Sub)
	}
	return fmt.Sprintf("%s: %s -> %s (%s)", ev.Unit, ev.Old, colorActive(ev.New), ev.Sub)
}

// describeError turns a NAK without a message into its code.
func describeError(err error) string {
	var e *control.ErrorReply
	if errors.As(err, &e) && e.Message == "" {
		if prefix := strings.TrimSuffix(err.Error(), ": "); prefix != "" {
			return prefix + ": " + e.Code
		}
		return e.Code
	}
	return err.Error()
}
