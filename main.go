// Copyright 2025 Recipe Galaxy Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("recipe-galaxy-sync - Offline-First Synchronization Engine")
	fmt.Println("==========================================================")
	fmt.Println()
	fmt.Println("The engine lets Recipe Galaxy clients keep working while disconnected,")
	fmt.Println("durably records every mutation attempted offline, and later reconciles")
	fmt.Println("those mutations with the remote store without losing or duplicating writes.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  offsync/     Client-side engine: durable operation log (SQLite),")
	fmt.Println("               conflict store, sync coordinator, scheduler, notifier.")
	fmt.Println()
	fmt.Println("  syncserver/  Remote store: per-record server_version optimistic")
	fmt.Println("               concurrency over PostgreSQL, JWT-authenticated HTTP API.")
	fmt.Println()
	fmt.Println("  cmd/offsyncd Server daemon.")
	fmt.Println("               Run: go run ./cmd/offsyncd --database-url=... --jwt-secret=...")
	fmt.Println()
}
