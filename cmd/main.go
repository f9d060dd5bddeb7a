package main

import (
	"os"

	"github.com/urfave/cli/v2"
	bridgenode "github.com/valuebridge/bridge-node"
	"github.com/valuebridge/bridge-node/config"
	"github.com/valuebridge/bridge-node/log"
)

var (
	configFileFlag = cli.StringSliceFlag{
		Name:     config.FlagCfg,
		Aliases:  []string{"c"},
		Usage:    "Configuration file(s)",
		Required: true,
	}
	passwordFileFlag = cli.StringFlag{
		Name:     config.FlagPasswordFile,
		Aliases:  []string{"pw"},
		Usage:    "File holding the password of the signer keystore",
		Required: false,
	}
	clearDBFlag = cli.BoolFlag{
		Name:     config.FlagClearDB,
		Usage:    "Delete every stored record before starting",
		Required: false,
	}
	dryFlag = cli.BoolFlag{
		Name:     config.FlagDry,
		Usage:    "Evaluate every action without sending transactions",
		Required: false,
	}
	logDBStateFlag = cli.BoolFlag{
		Name:     config.FlagLogDBState,
		Usage:    "Periodically log a summary of the database",
		Required: false,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = bridgenode.Binary
	app.Usage = "Bonds, commits, settles and challenges transfers of a cross-chain bridge"
	app.Version = bridgenode.Version
	app.Commands = []*cli.Command{
		{
			Name:    "version",
			Aliases: []string{},
			Usage:   "Application version and build",
			Action:  versionCmd,
		},
		{
			Name:    "run",
			Aliases: []string{},
			Usage:   "Run the bridge node",
			Action:  start,
			Flags: []cli.Flag{
				&configFileFlag,
				&passwordFileFlag,
				&clearDBFlag,
				&dryFlag,
				&logDBStateFlag,
			},
		},
		{
			Name:    "config",
			Aliases: []string{},
			Usage:   "Print the default configuration",
			Action:  configCmd,
		},
		{
			Name:    "config-schema",
			Aliases: []string{},
			Usage:   "Print the JSON schema of the configuration",
			Action:  configSchemaCmd,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
