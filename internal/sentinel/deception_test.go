package sentinel

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/model"
)

func newTestDeception(t *testing.T, sink EventSink) (*Deception, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "decoys")
	d := NewDeception(dir, "sen-1", sink, logging.New(false, "error"), &fakeClock{now: probeNow})
	return d, dir
}

func TestPlantWritesAllDecoys(t *testing.T) {
	d, dir := newTestDeception(t, &fakeSink{})
	if err := d.Plant(); err != nil {
		t.Fatalf("Plant: %v", err)
	}

	names := []string{
		"AWS_root_credentials.csv",
		"Passwords.kdbx.txt",
		"id_rsa_backup",
		".env.production",
		"internal_api_keys.json",
	}
	for _, name := range names {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("decoy %s not planted: %v", name, err)
			continue
		}
		if got := info.Mode().Perm(); got != 0o644 {
			t.Errorf("decoy %s mode = %o, want 644", name, got)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read decoy %s: %v", name, err)
		}
		if !strings.Contains(string(content), "HONEYTOKEN") {
			t.Errorf("decoy %s content is not marked inert", name)
		}
	}
}

func TestPlantLeavesExistingFileAlone(t *testing.T) {
	d, dir := newTestDeception(t, &fakeSink{})
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "id_rsa_backup")
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := d.Plant(); err != nil {
		t.Fatalf("Plant: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "tampered" {
		t.Errorf("existing decoy was overwritten")
	}
}

func TestHandleEmitsCriticalAlert(t *testing.T) {
	sink := &fakeSink{}
	d, dir := newTestDeception(t, sink)

	d.handle(fsnotify.Event{Name: filepath.Join(dir, "id_rsa_backup"), Op: fsnotify.Write})

	subjects, events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("got %d alerts, want 1", len(events))
	}
	if subjects[0] != "events.sentinel.deception" {
		t.Errorf("subject = %q, want events.sentinel.deception", subjects[0])
	}
	ev := events[0]
	if ev.EventClass != "honeytoken_access" {
		t.Errorf("event_class = %q, want honeytoken_access", ev.EventClass)
	}
	if ev.Severity != model.SeverityCritical {
		t.Errorf("severity = %q, want critical", ev.Severity)
	}
	raw := ev.RawData
	if raw["filename"] != "id_rsa_backup" {
		t.Errorf("filename = %v", raw["filename"])
	}
	if raw["event_type"] != "write" {
		t.Errorf("event_type = %v, want write", raw["event_type"])
	}
	if raw["description"] != "SSH private key honeytoken" {
		t.Errorf("description = %v", raw["description"])
	}
	if raw["threat_score"] != 100 {
		t.Errorf("threat_score = %v, want 100", raw["threat_score"])
	}
	if raw["deception_triggered"] != true || raw["ioc_matched"] != false {
		t.Errorf("flags = %v/%v, want true/false", raw["deception_triggered"], raw["ioc_matched"])
	}
}

func TestHandleIgnoresNonDecoyFiles(t *testing.T) {
	sink := &fakeSink{}
	d, dir := newTestDeception(t, sink)

	d.handle(fsnotify.Event{Name: filepath.Join(dir, "notes.txt"), Op: fsnotify.Write})

	if _, events := sink.snapshot(); len(events) != 0 {
		t.Errorf("got %d alerts for a non-decoy file, want 0", len(events))
	}
}

func TestWatcherAlertsOnDecoyTouch(t *testing.T) {
	sink := &fakeSink{}
	d, dir := newTestDeception(t, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	// The watcher has no ready signal; keep touching the decoy until the
	// alert lands or the deadline passes.
	path := filepath.Join(dir, ".env.production")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		os.WriteFile(path, []byte("peek"), 0o644)
		if _, events := sink.snapshot(); len(events) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done

	_, events := sink.snapshot()
	if len(events) == 0 {
		t.Fatal("no alert emitted for decoy write")
	}
	if events[0].RawData["filename"] != ".env.production" {
		t.Errorf("filename = %v, want .env.production", events[0].RawData["filename"])
	}
}
