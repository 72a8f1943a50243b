package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nao1215/remind/internal/config"
	"github.com/nao1215/remind/pkg/middleware"
)

func newTokenCommand(v *viper.Viper, configFile *string) *cobra.Command {
	var (
		email string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "開発用のBearerトークンを発行する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}
			token, err := middleware.NewJWT(cfg.JWTSecret, ttl).Issue(args[0], email)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "トークンに含めるメールアドレス")
	cmd.Flags().DurationVar(&ttl, "ttl", middleware.DefaultTokenTTL, "トークンの有効期間")
	return cmd
}
