package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-fazbot/v1/asset"
	"github.com/mirkobrombin/go-fazbot/v1/config"
)

func newCheckCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the bot settings and assets without connecting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := loadOptions(v)
			logger := newLogger(cmd.ErrOrStderr(), opts)
			return check(cmd.Context(), cmd.OutOrStdout(), opts, logger)
		},
	}
}

func check(ctx context.Context, out io.Writer, opts options, logger *slog.Logger) error {
	cfg, err := config.Load(ctx, config.EnvSource{Files: opts.EnvFiles}, config.WithLogger(logger))
	if err != nil {
		return err
	}
	s := cfg.Settings()
	cat, err := asset.Load(ctx, asset.NewDirSource(s.AssetDir), asset.WithLogger(logger))
	if err != nil {
		return err
	}
	logger.Debug("fazbot: settings valid", "gateway", s.GatewayURL, "mysql_host", s.MySQL.Host)
	fmt.Fprintf(out, "settings ok, %d assets in %s\n", len(cat.Names()), s.AssetDir)
	return nil
}
