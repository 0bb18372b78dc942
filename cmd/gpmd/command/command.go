// Package command defines the gpmd command-line interface.
package command

import (
	"github.com/urfave/cli"

	"github.com/gpm-project/gpm/version"
)

const usage = `
# to start the monitoring daemon
gpmd run

# to print a one-shot snapshot of GPU state
gpmd scan

# to compact the metrics database
gpmd compact
`

func App() *cli.App {
	app := cli.NewApp()

	app.Name = "gpmd"
	app.Version = version.Version
	app.Usage = usage
	app.Description = "GPU and LLM inference monitoring daemon"

	logLevelFlag := cli.StringFlag{
		Name:  "log-level,l",
		Usage: "set the logging level [debug, info, warn, error, fatal, panic, dpanic]",
	}
	configFlag := cli.StringFlag{
		Name:  "config,c",
		Usage: "path to the TOML config file (default: <user-config>/gpm/config.toml)",
	}

	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the monitoring service in the foreground",
			Action: runCommand,
			Flags: []cli.Flag{
				logLevelFlag,
				configFlag,
			},
		},
		{
			Name:   "scan",
			Usage:  "collect one snapshot of GPU state and print it",
			Action: scanCommand,
			Flags: []cli.Flag{
				logLevelFlag,
			},
		},
		{
			Name:   "compact",
			Usage:  "compact the metrics database (VACUUM)",
			Action: compactCommand,
			Flags: []cli.Flag{
				logLevelFlag,
				configFlag,
			},
		},
	}

	return app
}
