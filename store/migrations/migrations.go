package migrations

import (
	_ "embed"

	"github.com/valuebridge/bridge-node/db"
	"github.com/valuebridge/bridge-node/db/types"
)

//go:embed store0001.sql
var mig001 string

func RunMigrations(dbPath string) error {
	migrations := []types.Migration{
		{
			ID:  "store0001",
			SQL: mig001,
		},
	}
	return db.RunMigrations(dbPath, migrations)
}
