// Package main is a repair tool for dirty migration state in the update
// server database. Dirty state occurs when the golang-migrate runner marks a
// migration version as in-progress (dirty=true) but the migration process was
// interrupted by a crash or timeout before it could complete. This tool
// connects to the database, checks the schema_migrations table, and clears
// the dirty flag so the migration runner can retry cleanly on the next server
// startup.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
)

func main() {
	password := os.Getenv("DATABASE_PASSWORD")
	if password == "" {
		password = "updateserver"
	}

	dsn := fmt.Sprintf("host=localhost port=5432 user=updateserver password=%s dbname=updateserver sslmode=disable", password)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	var version uint
	var dirty bool
	err = db.QueryRow("SELECT version, dirty FROM schema_migrations").Scan(&version, &dirty)
	if err != nil {
		log.Fatalf("Failed to read migration state: %v", err)
	}

	fmt.Printf("Current migration state: version=%d dirty=%v\n", version, dirty)
	if !dirty {
		fmt.Println("Migration state is clean, nothing to do")
		return
	}

	if _, err := db.Exec("UPDATE schema_migrations SET dirty = false"); err != nil {
		log.Fatalf("Failed to clear dirty flag: %v", err)
	}
	fmt.Printf("Cleared dirty flag at version %d. The runner will retry on next startup.\n", version)
}
