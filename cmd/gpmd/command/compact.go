package command

import (
	"context"
	"time"

	"github.com/urfave/cli"

	"github.com/gpm-project/gpm/pkg/config"
	"github.com/gpm-project/gpm/pkg/log"
	"github.com/gpm-project/gpm/pkg/sqlite"
)

func compactCommand(cliContext *cli.Context) error {
	zapLvl, err := log.ParseLogLevel(cliContext.String("log-level"))
	if err != nil {
		return err
	}
	log.Logger = log.CreateLogger(zapLvl, "")

	cfgPath := cliContext.String("config")
	if cfgPath == "" {
		cfgPath = config.Path()
	}
	cfg, err := config.LoadFrom(cfgPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	return sqlite.RunCompact(ctx, cfg.DatabasePath())
}
