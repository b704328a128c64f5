package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/availwatch/internal/record"
)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecords opens Records over a fresh store.
func createTestRecords(t *testing.T, opts ...RecordsOption) (*Records, *Store) {
	t.Helper()
	s := createTestStore(t)
	r, err := OpenRecords(context.Background(), s, opts...)
	if err != nil {
		t.Fatalf("OpenRecords() failed: %v", err)
	}
	return r, s
}

// createTestRecord creates a transfer record with minimal required fields.
func createTestRecord(id string, minute int) record.Record {
	return record.New(id, record.KindTransfer, "5Alice",
		record.Payload{Recipient: "5Bob", Amount: "10.0"},
		time.Date(2026, 3, 1, 12, minute, 0, 0, time.UTC),
		"Transaction in progress...")
}
