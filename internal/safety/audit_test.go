package safety

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testEntry(desc string, allowed bool) AuditEntry {
	return AuditEntry{
		ID:          uuid.NewString(),
		Time:        time.Now(),
		SessionID:   "test-session",
		Class:       ClassMouseClick,
		Description: desc,
		Allowed:     allowed,
	}
}

func readEntries(t *testing.T, path string) []AuditEntry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var entries []AuditEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad audit line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestAppendBuffersUntilThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a := NewAuditLog(path, 3)

	a.Append(testEntry("one", true))
	a.Append(testEntry("two", true))
	if a.Written() != 0 {
		t.Fatalf("expected nothing flushed yet, got %d", a.Written())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("audit file should not exist before threshold")
	}

	a.Append(testEntry("three", false))
	if a.Written() != 3 {
		t.Fatalf("expected 3 flushed, got %d", a.Written())
	}
	if a.Pending() != 0 {
		t.Fatalf("buffer should be empty after flush, has %d", a.Pending())
	}

	entries := readEntries(t, path)
	if len(entries) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(entries))
	}
	if entries[2].Description != "three" || entries[2].Allowed {
		t.Errorf("unexpected third entry: %+v", entries[2])
	}
}

func TestFlushEmptyIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a := NewAuditLog(path, 10)

	if err := a.Flush(); err != nil {
		t.Fatalf("empty flush errored: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("empty flush must not create the file")
	}
}

func TestFlushAppendsAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a := NewAuditLog(path, 100)

	a.Append(testEntry("first", true))
	if err := a.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	a.Append(testEntry("second", true))
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Description != "first" || entries[1].Description != "second" {
		t.Errorf("entries out of order: %+v", entries)
	}
}

func TestConcurrentAppendsLoseNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	// A tiny threshold forces many concurrent batch flushes
	a := NewAuditLog(path, 2)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := a.Append(testEntry("click", true)); err != nil {
					t.Errorf("append failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	if err := a.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != writers*perWriter {
		t.Fatalf("expected %d entries on disk, got %d", writers*perWriter, len(entries))
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.ID] {
			t.Fatalf("entry %s written twice", e.ID)
		}
		seen[e.ID] = true
	}
	if got := a.Written(); got != writers*perWriter {
		t.Errorf("Written() = %d, want %d", got, writers*perWriter)
	}
}

func TestEntryJSONShape(t *testing.T) {
	confirmed := true
	e := AuditEntry{
		ID:          "abc",
		SessionID:   "sid",
		Class:       ClassFileDelete,
		Description: "empty trash",
		Allowed:     true,
		Reason:      "confirmed",
		Confirmed:   &confirmed,
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "ts", "sid", "cls", "desc", "ok", "why", "conf"} {
		if _, present := m[key]; !present {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	if _, present := m["tgt"]; present {
		t.Error("empty target should be omitted")
	}
}
