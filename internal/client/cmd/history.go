package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/manforowicz/gday/internal/history"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent transfers",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	path, err := history.DefaultPath()
	if err != nil {
		return err
	}
	store, err := history.Open(path)
	if err != nil {
		return err
	}

	rows, err := store.Recent(20)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No transfers recorded yet.")
		return nil
	}

	for _, t := range rows {
		fmt.Printf("%s  %-7s  %3d files  %9s  %-6s  %s\n",
			time.Unix(t.StartedAt, 0).Format("2006-01-02 15:04"),
			t.Direction,
			t.Files,
			humanize.Bytes(uint64(t.Bytes)),
			t.Status,
			t.Peer,
		)
	}
	return nil
}
