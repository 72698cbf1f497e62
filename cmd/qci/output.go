package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/youngcaesar/qci-sync/internal/storage/models"
)

func printRun(w io.Writer, r models.RunRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", r.ID)
	fmt.Fprintf(tw, "job\t%s\n", r.JobName)
	fmt.Fprintf(tw, "status\t%s\n", r.Status)
	fmt.Fprintf(tw, "started\t%s\n", r.StartedAt.Format(time.RFC3339))
	if r.FinishedAt != nil {
		fmt.Fprintf(tw, "finished\t%s (%s)\n", r.FinishedAt.Format(time.RFC3339), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	c := r.Counts
	fmt.Fprintf(tw, "counts\tfetched=%d selected=%d inserted=%d updated=%d skipped=%d failed=%d\n",
		c.Fetched, c.Selected, c.Inserted, c.Updated, c.Skipped, c.Failed)
	if r.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", r.Error)
	}
	if ids, ok := r.Metadata["failed_call_ids"]; ok {
		fmt.Fprintf(tw, "failed calls\t%v\n", ids)
	}
	tw.Flush()
}

func printRunTable(w io.Writer, runs []models.RunRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tJOB\tSTATUS\tSTARTED\tSELECTED\tINSERTED\tSKIPPED\tFAILED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			r.ID, r.JobName, r.Status, r.StartedAt.Format(time.RFC3339),
			r.Counts.Selected, r.Counts.Inserted, r.Counts.Skipped, r.Counts.Failed)
	}
	tw.Flush()
}

func printLogs(w io.Writer, entries []models.LogEntry) {
	for _, e := range entries {
		line := fmt.Sprintf("%4d %s %-5s %-6s %s", e.Sequence, e.Timestamp.Format(time.RFC3339Nano), e.Level, e.Step, e.Message)
		if len(e.Metadata) > 0 {
			if b, err := json.Marshal(e.Metadata); err == nil {
				line += " " + string(b)
			}
		}
		fmt.Fprintln(w, line)
	}
}

func printProgress(w io.Writer, s models.ProgressSnapshot) {
	fmt.Fprintf(w, "%s eligible=%d analyzed=%d remaining=%d progress=%.1f%% avg=%.1f",
		s.TakenAt.Format(time.RFC3339), s.Eligible, s.Analyzed, s.Remaining, s.Percent, s.AverageScore)
	for _, band := range models.Bands {
		fmt.Fprintf(w, " %s:%d", band, s.Histogram[band])
	}
	fmt.Fprintln(w)
}
