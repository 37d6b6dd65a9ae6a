package sentinel

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"
)

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	ob, err := OpenOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("OpenOutbox: %v", err)
	}
	t.Cleanup(func() { ob.Close() })
	return ob
}

func TestOutboxDrainPreservesOrder(t *testing.T) {
	ob := newTestOutbox(t)
	for i := 0; i < 3; i++ {
		if err := ob.Append([]byte(fmt.Sprintf("rec-%d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var got []string
	n, err := ob.Drain(func(payload []byte) error {
		got = append(got, string(payload))
		return nil
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 3 {
		t.Errorf("flushed = %d, want 3", n)
	}
	want := []string{"rec-0", "rec-1", "rec-2"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d = %q, want %q", i, got[i], want[i])
		}
	}
	if n, _ := ob.Len(); n != 0 {
		t.Errorf("Len after drain = %d, want 0", n)
	}
}

func TestOutboxDrainStopsOnPublishFailure(t *testing.T) {
	ob := newTestOutbox(t)
	for i := 0; i < 2; i++ {
		if err := ob.Append([]byte(fmt.Sprintf("rec-%d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := ob.Drain(func([]byte) error { return errors.New("bus down") })
	if err == nil {
		t.Fatal("Drain returned nil error, want publish failure")
	}
	if n != 0 {
		t.Errorf("flushed = %d, want 0", n)
	}
	// Nothing was deleted; a later drain delivers everything in order.
	if n, _ := ob.Len(); n != 2 {
		t.Errorf("Len = %d, want 2", n)
	}
	var got []string
	if _, err := ob.Drain(func(p []byte) error {
		got = append(got, string(p))
		return nil
	}); err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if len(got) != 2 || got[0] != "rec-0" {
		t.Errorf("replay = %v, want [rec-0 rec-1]", got)
	}
}

func TestOutboxTrimDropsOldest(t *testing.T) {
	ob := newTestOutbox(t)
	for i := 0; i < 5; i++ {
		if err := ob.Append([]byte(fmt.Sprintf("rec-%d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	err := ob.db.Update(func(tx *bolt.Tx) error {
		return trimOldest(tx.Bucket(bucketOutbox), 2)
	})
	if err != nil {
		t.Fatalf("trimOldest: %v", err)
	}

	var got []string
	if _, err := ob.Drain(func(p []byte) error {
		got = append(got, string(p))
		return nil
	}); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("kept %d records, want 2", len(got))
	}
	if got[0] != "rec-3" || got[1] != "rec-4" {
		t.Errorf("kept = %v, want the newest two", got)
	}
}

func TestOutboxSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	ob, err := OpenOutbox(path)
	if err != nil {
		t.Fatalf("OpenOutbox: %v", err)
	}
	if err := ob.Append([]byte("persisted")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := ob.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ob, err = OpenOutbox(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ob.Close()
	var got []string
	if _, err := ob.Drain(func(p []byte) error {
		got = append(got, string(p))
		return nil
	}); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 1 || got[0] != "persisted" {
		t.Errorf("after reopen = %v, want [persisted]", got)
	}
}
