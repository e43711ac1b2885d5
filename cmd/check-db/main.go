// Package main is a diagnostic tool for testing database connectivity and
// inspecting stored release data. It connects to the database, queries the
// versions and telemetry_snapshots tables, and prints a summary to stdout.
// The binary exits with a non-zero code on any failure so it can be embedded
// in health checks or CI/CD pipeline steps to gate deployments on a
// reachable, populated database.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
)

func main() {
	dbPassword := os.Getenv("DATABASE_PASSWORD")
	if dbPassword == "" {
		dbPassword = "updateserver"
	}

	connStr := fmt.Sprintf("host=localhost port=5432 user=updateserver password=%s dbname=updateserver sslmode=disable", dbPassword)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	fmt.Println("=== VERSIONS ===")
	rows, err := db.Query("SELECT parent_name, name, release_date FROM versions ORDER BY parent_name, release_date DESC")
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var line, name, releaseDate string
		if err := rows.Scan(&line, &name, &releaseDate); err != nil {
			log.Fatalf("Scan failed: %v", err)
		}
		fmt.Printf("  %s/%s released=%s\n", line, name, releaseDate)
		count++
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("Row iteration failed: %v", err)
	}
	fmt.Printf("Total: %d stored versions\n", count)

	fmt.Println("=== TELEMETRY SNAPSHOTS ===")
	var snapshots int
	if err := db.QueryRow("SELECT COUNT(*) FROM telemetry_snapshots").Scan(&snapshots); err != nil {
		log.Fatalf("Snapshot count failed: %v", err)
	}
	fmt.Printf("Total: %d snapshots\n", snapshots)
}
