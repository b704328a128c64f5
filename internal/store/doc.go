// Package store provides SQLite-backed durable storage for the explorer.
//
// Persisted state is a set of independently keyed JSON documents:
//   - "transaction-storage": ordered transaction history (Records)
//   - "wallet-storage": wallet session (owned by package wallet)
//
// Each document is loaded in full at startup and rewritten in full on every
// mutation. There is no delta persistence.
//
// # Records
//
// Records is the Transaction Record Store. Every mutation is flushed to SQLite
// before the in-memory view changes and before the call returns, so a reload
// resumes at the last acknowledged state. Readers always get snapshots.
//
// Mutations are announced on an EventBus topic (TopicRecordUpdated) after the
// write lock is released.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: A returned write is durable
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
