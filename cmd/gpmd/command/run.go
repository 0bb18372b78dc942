package command

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/gpm-project/gpm/pkg/config"
	"github.com/gpm-project/gpm/pkg/log"
	"github.com/gpm-project/gpm/pkg/service"
	"github.com/gpm-project/gpm/version"
)

func runCommand(cliContext *cli.Context) error {
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

	log.Logger.Infow("starting gpmd", "version", version.Version, "config", cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg)
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}
