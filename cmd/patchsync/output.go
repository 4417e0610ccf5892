package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/customlauncher/patchsync/internal/sync"
)

// writePlanTable prints the files a sync would update
func writePlanTable(w io.Writer, plan *sync.Plan) error {
	if plan.Empty() {
		_, _ = fmt.Fprintln(w, "Game files are up to date.")
	} else {
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"File", "Reason", "Artifact"})
		table.SetBorder(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)

		for _, item := range plan.Items {
			table.Append([]string{item.Entry.Key, string(item.Reason), item.Entry.DownloadName})
		}
		table.Render()
	}

	_, err := fmt.Fprintf(w, "\n%d to update, %d up to date, %d for other platforms", len(plan.Items), plan.UpToDate, plan.Foreign)
	if err != nil {
		return err
	}
	if len(plan.Skipped) > 0 {
		_, _ = fmt.Fprintf(w, ", %d without platforms", len(plan.Skipped))
	}
	_, err = fmt.Fprintln(w)
	return err
}
