package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func reset() {
	CloseAll()
	configMu.Lock()
	logsDir = ""
	categories = nil
	logLevel = LevelInfo
	configMu.Unlock()
}

func TestDisabledLoggingIsNoop(t *testing.T) {
	reset()
	if err := Initialize("", "info", nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	l := Get(CategoryLoop)
	l.Info("should go nowhere")
	if l.file != nil {
		t.Error("expected no-op logger without a log dir")
	}
}

func TestCategoryFileCreated(t *testing.T) {
	reset()
	dir := t.TempDir()
	if err := Initialize(dir, "debug", nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer reset()

	Safety("blocked %s", "terminal")

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, date+"_safety.log"))
	if err != nil {
		t.Fatalf("safety log not written: %v", err)
	}
	if !strings.Contains(string(data), "blocked terminal") {
		t.Errorf("log content missing message: %q", string(data))
	}
}

func TestCategoryFilter(t *testing.T) {
	reset()
	dir := t.TempDir()
	if err := Initialize(dir, "info", []string{"loop"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer reset()

	if !IsCategoryEnabled(CategoryLoop) {
		t.Error("loop category should be enabled")
	}
	if IsCategoryEnabled(CategoryPlanner) {
		t.Error("planner category should be disabled")
	}
}

func TestLevelFilter(t *testing.T) {
	reset()
	dir := t.TempDir()
	if err := Initialize(dir, "warn", nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer reset()

	l := Get(CategoryMemory)
	l.Info("suppressed")
	l.Warn("kept")

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, date+"_memory.log"))
	if err != nil {
		t.Fatalf("memory log not written: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "suppressed") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn message missing")
	}
}

func TestTimer(t *testing.T) {
	reset()
	tm := StartTimer(CategoryLoop, "iteration")
	time.Sleep(5 * time.Millisecond)
	if got := tm.Stop(); got < 5*time.Millisecond {
		t.Errorf("timer underflow: %v", got)
	}
}
