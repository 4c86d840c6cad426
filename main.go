// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 Training Portal Sync - Offline-First Replication Engine")
	fmt.Println("===========================================================")
	fmt.Println()
	fmt.Println("Every client keeps a full local replica of the shared training dataset and")
	fmt.Println("converges through per-collection merge rules, tombstones and selective pulls.")
	fmt.Println()

	fmt.Println("📚 Packages:")
	fmt.Println()
	fmt.Println("1. 📱 portalsqlite - SQLite-backed client engine")
	fmt.Println("   Local replica, merge engine, tombstone registry, pull/push scheduler,")
	fmt.Println("   presence heartbeat with remote commands")
	fmt.Println()
	fmt.Println("2. 🌐 portalsync - Remote document store (PostgreSQL + net/http + JWT)")
	fmt.Println("   Whole-document storage with monotonic timestamps, presence rows,")
	fmt.Println("   command mailbox")
	fmt.Println()

	fmt.Println("🧪 Example:")
	fmt.Println()
	fmt.Println("   Reference server (examples/portal_server/)")
	fmt.Println("   Run: cd examples/portal_server && go run .")
	fmt.Println()
}
