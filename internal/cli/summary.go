package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/bigdatalab/labprovision/internal/inventory"
	"github.com/bigdatalab/labprovision/internal/provision"
	"github.com/mattn/go-runewidth"
)

// printSummary prints the launched instance as aligned key/value lines.
func printSummary(w io.Writer, region, sshUser string, inst provision.Instance, err error) {
	status := "ready"
	if err != nil {
		status = "bootstrap failed (" + string(provision.CategoryOf(err)) + "), instance left running"
	}
	rows := [][2]string{
		{"Instance ID", inst.ID},
		{"Name", inst.Name},
		{"Region", region},
		{"Public IP", inst.PublicIP},
		{"Key pair", inst.KeyName},
		{"Private key", inst.KeyPath},
		{"Status", status},
	}
	width := 0
	for _, r := range rows {
		width = max(width, runewidth.StringWidth(r[0]))
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%s  %s\n", runewidth.FillRight(r[0], width), r[1])
	}
	if inst.PublicIP != "" && inst.KeyPath != "" {
		fmt.Fprintf(w, "\nssh -i %s %s@%s\n", inst.KeyPath, sshUser, inst.PublicIP)
	}
}

// printInventory prints one row per record, newest launch last.
func printInventory(w io.Writer, records []inventory.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No instances recorded.")
		return
	}
	header := []string{"INSTANCE", "REGION", "PUBLIC IP", "KEY PAIR", "LAUNCHED", "BOOTSTRAP"}
	rows := [][]string{header}
	for _, r := range records {
		rows = append(rows, []string{
			r.InstanceID,
			r.Region,
			r.PublicIP,
			r.KeyName,
			r.LaunchedAt.Local().Format(time.DateTime),
			bootstrapStatus(r.Bootstrap),
		})
	}

	widths := make([]int, len(header))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			if i == len(row)-1 {
				cells[i] = cell
				continue
			}
			cells[i] = runewidth.FillRight(cell, widths[i])
		}
		fmt.Fprintln(w, strings.Join(cells, "  "))
	}
}

func bootstrapStatus(m map[string]inventory.Status) string {
	if len(m) == 0 {
		return "-"
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + string(m[name])
	}
	return strings.Join(parts, ",")
}
