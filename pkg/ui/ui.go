// Package ui is the look of things: logger setup and the bits of
// console output that get colors.
package ui

import (
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"

	"gcetools/pkg/vm"
)

var (
	green  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	red    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	yellow = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	header = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell   = lipgloss.NewStyle().Padding(0, 1)
)

// NewLogger builds the stderr logger every command logs through.
func NewLogger(w io.Writer, level string) (*log.Logger, error) {
	lvl := log.InfoLevel
	if level != "" {
		var err error
		lvl, err = log.ParseLevel(level)
		if err != nil {
			return nil, errors.Wrap(err, "log level")
		}
	}
	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Prefix:          "gcetools",
		ReportTimestamp: lvl == log.DebugLevel,
	}), nil
}

func Success(s string) string {
	return green.Bold(true).Render(s)
}

// RUNNING green, the dead states red, anything in between yellow.
func StatusStyle(s vm.Status) lipgloss.Style {
	switch s {
	case vm.Running:
		return green
	case vm.Stopped, vm.Terminated:
		return red
	}
	return yellow
}

// InstanceTable renders the instance menu, the # column is what the
// user types to pick one.
func InstanceTable(insts []vm.Instance, withNetwork bool) string {
	headers := []string{"#", "NAME", "ZONE", "STATUS", "CPU"}
	if withNetwork {
		headers = append(headers, "NETWORK", "INTERNAL IP", "EXTERNAL IP")
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return header
			}
			if col == 3 && row-1 < len(insts) {
				return StatusStyle(insts[row-1].Status).Padding(0, 1)
			}
			return cell
		})

	for i, inst := range insts {
		cpu := inst.CPUPlatform
		if cpu == "" {
			cpu = "-"
		}
		r := []string{strconv.Itoa(i + 1), inst.Name, inst.Zone, string(inst.Status), cpu}
		if withNetwork {
			r = append(r, dash(inst.Network), dash(inst.InternalIP), dash(inst.ExternalIP))
		}
		t.Row(r...)
	}
	return t.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
