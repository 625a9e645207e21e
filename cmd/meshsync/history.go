package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Ning0612/Meshsync/internal/domain"
	"github.com/Ning0612/Meshsync/internal/state"
)

func init() {
	rootCmd.AddCommand(newHistoryCmd())
}

func newHistoryCmd() *cobra.Command {
	var limit int
	var showErrors bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent conflict resolutions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dataDir(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			store, err := state.Open(dir)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if showErrors {
				records, err := store.Errors(limit)
				if err != nil {
					return err
				}
				printErrors(out, records)
				return nil
			}

			records, err := store.Resolutions(limit)
			if err != nil {
				return err
			}
			printResolutions(out, records)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show")
	cmd.Flags().BoolVar(&showErrors, "errors", false, "show the error log instead")
	return cmd
}

func printResolutions(w io.Writer, records []domain.ResolutionRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No conflicts resolved yet")
		return
	}

	for _, r := range records {
		verdict := green(fmt.Sprintf("kept root %d", r.Chosen))
		if r.Action == domain.DecisionSkip {
			verdict = yellow("skipped")
		}
		var tags []string
		tags = append(tags, string(r.Policy))
		if r.Startup {
			tags = append(tags, "startup")
		}
		fmt.Fprintf(w, "%s  %s  %s %s\n",
			r.Timestamp.Format("2006-01-02 15:04:05"), cyan(r.Path), verdict, faint("["+strings.Join(tags, ", ")+"]"))

		for _, c := range r.Candidates {
			marker := " "
			if r.Action == domain.DecisionAccept && c.Root == r.Chosen {
				marker = "*"
			}
			if !c.Record.Exists {
				fmt.Fprintf(w, "    %s root %d  %s\n", marker, c.Root, faint("deleted"))
				continue
			}
			fmt.Fprintf(w, "    %s root %d  %s  modified %s\n",
				marker, c.Root, humanize.Bytes(uint64(c.Record.Size)), humanize.Time(c.Record.ModTime))
		}
	}
}

func printErrors(w io.Writer, records []domain.ErrorRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No errors recorded")
		return
	}

	for _, r := range records {
		fmt.Fprintf(w, "%s  %s  root %d  %s  %s\n",
			r.Timestamp.Format("2006-01-02 15:04:05"), red(r.Kind), r.Root, cyan(r.Path), r.Message)
	}
}
