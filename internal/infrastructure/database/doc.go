// Package database provides the SQLite connection used by mqttc.
//
// The file holds two tables: deliveries (tracked outbound publishes that
// must survive a restart) and messages (the send/receive journal). Both
// are created by embedded up/down migrations registered from the
// top-level migrations package.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with a
// matching .down.sql. Each migration runs in its own transaction.
package database
