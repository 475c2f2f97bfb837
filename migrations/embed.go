// Package migrations embeds the SQL schema for the deliveries and
// messages tables and registers it with the database package.
//
// Import it for its side effect wherever database.Migrate is called:
//
//	import _ "github.com/elex-project/mosquitto-examples/migrations"
package migrations

import (
	"embed"

	"github.com/elex-project/mosquitto-examples/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
