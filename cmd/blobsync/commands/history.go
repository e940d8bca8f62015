package commands

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"blobsync/pkg/app"
	"blobsync/pkg/meta"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyRun   string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past sync runs",
	Long:  `Lists recent sync runs from the journal, or the blob transfers of one run with --run.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cmd.SilenceUsage = true

		repo, closeJournal, err := app.OpenJournal(ctx)
		if err != nil {
			return err
		}
		defer closeJournal()
		if repo == nil {
			return errors.New("journal is disabled (journal.driver = none)")
		}

		out := cmd.OutOrStdout()

		// 模式 A: 一次运行的详细记录
		if historyRun != "" {
			run, err := repo.GetRun(ctx, historyRun)
			if err != nil {
				return fmt.Errorf("run %s: %w", historyRun, err)
			}
			transfers, err := repo.ListTransfers(ctx, run.ID)
			if err != nil {
				return err
			}
			printRuns(out, *run)
			printTransfers(out, transfers)
			return nil
		}

		// 模式 B: 最近的运行列表
		runs, err := repo.ListRuns(ctx, historyLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(out, "No sync runs yet.")
			return nil
		}
		printRuns(out, runs...)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of runs to show (0 = all)")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Show the transfers of one run")
}

func statusIcon(status string) string {
	switch status {
	case meta.StatusSucceeded:
		return "✅"
	case meta.StatusFailed:
		return "❌"
	default:
		return "⏳"
	}
}

// printRuns 按列对齐打印运行摘要
func printRuns(out io.Writer, runs ...meta.Run) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, run := range runs {
		selector := run.Selector
		if selector == "" {
			selector = "*"
		}
		fmt.Fprintf(tw, "%s %s\t%s\t%s\t%s\t%d containers\t%d blobs\t%s\t%s\n",
			statusIcon(run.Status),
			run.ID,
			run.Pairing,
			run.Mode,
			selector,
			run.Containers,
			run.Blobs,
			humanize.Bytes(uint64(run.Bytes)),
			humanize.Time(run.StartedAt),
		)
	}
	tw.Flush()

	for _, run := range runs {
		if run.Error != "" {
			fmt.Fprintf(out, "%s error: %s\n", run.ID, run.Error)
		}
	}
}

func printTransfers(out io.Writer, transfers []meta.BlobTransfer) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, t := range transfers {
		fmt.Fprintf(tw, "    %s %s/%s\t%s\t%s\t%s\n",
			statusIcon(t.Status),
			t.Container,
			t.Blob,
			humanize.Bytes(uint64(t.Bytes)),
			t.FinishedAt.Sub(t.StartedAt).Round(time.Millisecond),
			t.Error,
		)
	}
	tw.Flush()
}
