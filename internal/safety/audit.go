package safety

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/G-TechSD/ganesha-ai-sub002/internal/logging"
)

// AuditLog buffers audit entries in memory and appends them to a JSON
// Lines file when the buffer reaches the flush threshold or on demand.
type AuditLog struct {
	mu        sync.Mutex
	path      string
	threshold int
	buffer    []AuditEntry
	log       *logging.Logger

	// writeMu serializes file appends so batches land in the order
	// they were cut from the buffer. It also guards written.
	writeMu sync.Mutex
	written int
}

// DefaultFlushThreshold is used when the configured threshold is not positive.
const DefaultFlushThreshold = 100

// NewAuditLog creates an audit log writing to path.
func NewAuditLog(path string, threshold int) *AuditLog {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	return &AuditLog{
		path:      path,
		threshold: threshold,
		buffer:    make([]AuditEntry, 0, threshold),
		log:       logging.Get(logging.CategorySafety),
	}
}

// Append buffers an entry, flushing when the threshold is reached.
func (a *AuditLog) Append(entry AuditEntry) error {
	a.mu.Lock()
	a.buffer = append(a.buffer, entry)
	if len(a.buffer) < a.threshold {
		a.mu.Unlock()
		return nil
	}
	pending := a.buffer
	a.buffer = make([]AuditEntry, 0, a.threshold)
	// Take the write lock before releasing the buffer lock so batches
	// reach the file in the order they were cut.
	a.writeMu.Lock()
	a.mu.Unlock()
	defer a.writeMu.Unlock()

	return a.write(pending)
}

// Flush writes all buffered entries to disk. Flushing an empty buffer is
// a no-op.
func (a *AuditLog) Flush() error {
	a.mu.Lock()
	if len(a.buffer) == 0 {
		a.mu.Unlock()
		return nil
	}
	pending := a.buffer
	a.buffer = make([]AuditEntry, 0, a.threshold)
	a.writeMu.Lock()
	a.mu.Unlock()
	defer a.writeMu.Unlock()

	return a.write(pending)
}

// write appends entries as JSON Lines. Callers hold writeMu, never the
// buffer lock, so appends never stall behind disk.
func (a *AuditLog) write(entries []AuditEntry) error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to write audit entry: %w", err)
		}
	}

	a.written += len(entries)

	a.log.Debug("flushed %d audit entries to %s", len(entries), a.path)
	return nil
}

// Close flushes any buffered entries.
func (a *AuditLog) Close() error {
	return a.Flush()
}

// Pending returns the number of entries waiting in the buffer.
func (a *AuditLog) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}

// Written returns the number of entries flushed to disk so far.
func (a *AuditLog) Written() int {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.written
}
