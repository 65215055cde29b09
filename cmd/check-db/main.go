// Package main is a diagnostic tool for testing database connectivity and
// inspecting live token data. It connects to the database, queries the
// service_tokens and auth_events tables, and prints a summary to stdout. The
// binary exits with a non-zero code on any failure so it can be embedded in
// health checks or CI/CD pipeline steps to gate deployments on a reachable,
// populated database.
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
		dbPassword = "authgw"
	}

	connStr := fmt.Sprintf("host=localhost port=5432 user=authgw password=%s dbname=auth_gateway sslmode=disable", dbPassword)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	// Check tokens
	fmt.Println("=== SERVICE TOKENS ===")
	rows, err := db.Query("SELECT id, name, is_active, expires_at FROM service_tokens ORDER BY created_at")
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, name string
		var active bool
		var expiresAt *string
		if err := rows.Scan(&id, &name, &active, &expiresAt); err != nil {
			log.Printf("Warning: failed to scan token row: %v", err)
			continue
		}
		expiry := "never"
		if expiresAt != nil {
			expiry = *expiresAt
		}
		fmt.Printf("Token: %s (ID: %s, active: %v, expires: %s)\n", name, id, active, expiry)
	}

	// Check recent events
	fmt.Println("\n=== RECENT AUTH EVENTS ===")
	rows2, err := db.Query("SELECT event_type, actor, success, created_at FROM auth_events ORDER BY created_at DESC LIMIT 20")
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	defer rows2.Close()

	count := 0
	for rows2.Next() {
		var eventType, actor, createdAt string
		var success bool
		if err := rows2.Scan(&eventType, &actor, &success, &createdAt); err != nil {
			log.Printf("Warning: failed to scan event row: %v", err)
			continue
		}
		fmt.Printf("Event: %s by %s (success: %v) at %s\n", eventType, actor, success, createdAt)
		count++
	}

	if count == 0 {
		fmt.Println("No events found!")
	}
}
