package commands

import (
	"fmt"
	"os"
	"time"

	"blobsync/pkg/app"
	"blobsync/pkg/pipeline"
	"blobsync/pkg/progress"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var noProgress bool

var syncCmd = &cobra.Command{
	Use:   "sync <pairing> [container | ...<ordinal>]",
	Short: "Copy new and changed blobs from the source account to the target account",
	Long: `Synchronizes one storage pairing (for example "storage" or "cdn").

With a container name only that container is synchronized. With "...<ordinal>"
(or "...proj-<ordinal>") every project container from that ordinal on is synchronized.
Without a second argument the whole namespace is synchronized.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. 参数解析 (在连接任何存储之前失败)
		arg := ""
		if len(args) > 1 {
			arg = args[1]
		}
		sel, err := pipeline.ParseSelector(arg)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true

		// 2. 组装 App
		var reporter progress.Reporter = progress.Nop{}
		if !noProgress {
			reporter = progress.ForFile(os.Stdout)
		}
		a, err := app.NewApp(cmd.Context(), args[0], reporter)
		if err != nil {
			return err
		}
		defer a.Close()

		// 3. 同步
		start := time.Now()
		sum, err := a.Sync(cmd.Context(), sel)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "📦 %d containers, %d blobs, %s copied in %s\n",
			sum.Containers, sum.Blobs, humanize.Bytes(uint64(sum.Bytes)), time.Since(start).Round(time.Millisecond))
		fmt.Fprintln(out, "DONE!")
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bars")
}
