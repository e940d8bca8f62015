package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"blobsync/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// LogLevel 由 main 交给 slog handler，--log-level / log.level 在命令执行前写入
	LogLevel = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:   "blobsync",
	Short: "blobsync: incremental blob container synchronization",
	Long: `Copies new and changed blobs from a source object store account to a target account.
Blobs are compared by content hash; identical blobs are never transferred twice.`,
	SilenceErrors: true,
	// PersistentPreRunE 会在所有子命令执行前运行
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := LogLevel.UnmarshalText([]byte(viper.GetString("log.level"))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", viper.GetString("log.level"), err)
		}
		return nil
	},
}

// Execute 是入口
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext 让子命令通过 cmd.Context() 拿到可取消的 ctx
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// 在初始化时，加载配置
	cobra.OnInitialize(initConfig)

	// 1. 定义全局参数 --config
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.blobsync/config.yaml)")

	// 2. 定义 --log-level，并绑定到 Viper
	// 这样用户既可以在 yaml 里写，也可以用 --log-level 覆盖
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	err := viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	if err != nil {
		fmt.Println("Failed to bind flag:", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(historyCmd)
}

// initConfig 读取配置文件和环境变量
func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Println("Config error:", err)
		os.Exit(1)
	}
}
