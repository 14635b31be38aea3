package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/G-TechSD/ganesha-ai-sub002/internal/logging"
)

// StopWatcher triggers the governor's emergency stop when a marker file
// appears in the state directory. Anything on the machine can halt the
// agent by touching that file; removal does not auto-reset.
type StopWatcher struct {
	path     string
	governor *Governor
	watcher  *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	log      *logging.Logger
}

// NewStopWatcher watches path's directory for the marker file. If the
// file already exists the stop is triggered immediately.
func NewStopWatcher(path string, governor *Governor) (*StopWatcher, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	sw := &StopWatcher{
		path:     path,
		governor: governor,
		watcher:  w,
		done:     make(chan struct{}),
		log:      logging.Get(logging.CategorySafety),
	}

	if _, err := os.Stat(path); err == nil {
		governor.TriggerEmergencyStop("stop file present at startup")
	}

	sw.wg.Add(1)
	go sw.run()
	return sw, nil
}

func (s *StopWatcher) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.path {
				continue
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
				s.governor.TriggerEmergencyStop("stop file created")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error("stop watcher error: %v", err)
		}
	}
}

// Close stops watching. It does not clear an engaged emergency stop.
func (s *StopWatcher) Close() error {
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}
