package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	bridgenode "github.com/valuebridge/bridge-node"
	"github.com/valuebridge/bridge-node/config"
)

func versionCmd(*cli.Context) error {
	bridgenode.PrintVersion(os.Stdout)
	return nil
}

func configCmd(*cli.Context) error {
	defaultConfig := strings.Builder{}
	defaultConfig.WriteString(config.DefaultVars)
	defaultConfig.WriteString(config.DefaultValues)

	_, err := os.Stdout.WriteString(defaultConfig.String())
	return err
}

func configSchemaCmd(*cli.Context) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(config.JSONSchema())
}
