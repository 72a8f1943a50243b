package main

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nao1215/remind/internal/config"
	"github.com/nao1215/remind/internal/store"
)

func newMigrateCommand(v *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "データベースにスキーマを適用する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}
			// Open が未適用のマイグレーションを適用する
			db, err := store.Open(cmd.Context(), cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()
			log.Printf("スキーマを適用しました: %s", cfg.DatabasePath)
			return nil
		},
	}
}
