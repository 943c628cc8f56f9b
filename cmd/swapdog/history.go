package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/taniwha3/swapdog/internal/models"
	"github.com/taniwha3/swapdog/internal/storage"
)

// printHistory writes the newest limit activation attempts to w
func printHistory(ctx context.Context, w io.Writer, journal *storage.Journal, limit int) error {
	records, err := journal.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "no activation attempts recorded")
		return err
	}
	return writeHistory(w, records, time.Now())
}

func writeHistory(w io.Writer, records []*models.Activation, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tWHEN\tDEVICE\tTHRESHOLD\tUSED\tDURATION\tRESULT")
	for _, a := range records {
		result := "ok"
		if !a.Succeeded() {
			result = a.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f%%\t%.1f%%\t%s\t%s\n",
			a.Time().Format(time.RFC3339),
			humanize.RelTime(a.Time(), now, "ago", "from now"),
			a.Device,
			a.ThresholdPercent,
			a.UsedPercent,
			time.Duration(a.DurationMs)*time.Millisecond,
			result,
		)
	}
	return tw.Flush()
}
