// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 go-fieldsync - Offline-First Field Service Sync")
	fmt.Println("==================================================")
	fmt.Println()
	fmt.Println("go-fieldsync keeps field-service task changes working with zero connectivity:")
	fmt.Println("status changes, comments and photo/file attachments are recorded as durable")
	fmt.Println("mutations on the device and replayed against the server with correct ordering,")
	fmt.Println("idempotence and conflict handling once connectivity returns.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 📱 Offline Demo (examples/offline_demo/)")
	fmt.Println("   Walks a client through offline edits, reconnect and queue drain")
	fmt.Println("   Features: mutation queue, temp-id rewriting, conflict auto-merge")
	fmt.Println("   Run: cd examples/offline_demo && go run .")
	fmt.Println()

	fmt.Println("📦 Packages:")
	fmt.Println()
	fmt.Println("   fieldsync/   - mutation model, conflict resolver, connectivity monitor,")
	fmt.Println("                  remote API client, session tokens")
	fmt.Println("   fieldsqlite/ - SQLite local store, durable mutation queue, reconciler")
}
