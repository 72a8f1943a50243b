// リマインダー配信サービスのエントリポイント。
// HTTP API と配信スケジューラを1プロセスで起動する。
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nao1215/remind/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCommand はサブコマンドを束ねたルートコマンドを生成する。
func newRootCommand() *cobra.Command {
	v := config.New()
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "remind",
		Short:         "時刻起動リマインダーの配信とリアルタイム通知",
		SilenceUsage:  true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "設定ファイル（YAML/JSON/TOML）のパス")

	rootCmd.AddCommand(newServeCommand(v, &configFile))
	rootCmd.AddCommand(newMigrateCommand(v, &configFile))
	rootCmd.AddCommand(newTokenCommand(v, &configFile))
	return rootCmd
}
