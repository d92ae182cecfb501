package logger

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shaunagostinho/serialscope/internal/convert"
)

const trafficTimeFormat = "2006-01-02 15:04:05.000"

// Traffic appends raw RX/TX bytes to a text log, one hex line per chunk.
type Traffic struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	now  func() time.Time
}

func NewTraffic() *Traffic {
	return &Traffic{now: time.Now}
}

// Start opens path for appending and writes a session banner. A running
// session is stopped first.
func (t *Traffic) Start(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("logger: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("logger: open traffic log: %w", err)
	}
	t.file = f
	t.w = bufio.NewWriter(f)
	fmt.Fprintf(t.w, "=== session start %s ===\n", t.now().Format(trafficTimeFormat))
	t.w.Flush()
	log.Printf("[logger] traffic log %s", path)
	return nil
}

// Stop writes a closing banner and closes the file.
func (t *Traffic) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Traffic) stopLocked() {
	if t.file == nil {
		return
	}
	fmt.Fprintf(t.w, "=== session end %s ===\n", t.now().Format(trafficTimeFormat))
	t.w.Flush()
	t.file.Close()
	t.file = nil
	t.w = nil
}

func (t *Traffic) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file != nil
}

// Received logs an inbound chunk.
func (t *Traffic) Received(b []byte) { t.write("RX", b) }

// Sent logs an outbound payload.
func (t *Traffic) Sent(b []byte) { t.write("TX", b) }

func (t *Traffic) write(dir string, b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil || len(b) == 0 {
		return
	}
	fmt.Fprintf(t.w, "%s [%s] %s\n", t.now().Format(trafficTimeFormat), dir, convert.BytesToHex(b, true))
	if err := t.w.Flush(); err != nil {
		log.Printf("[logger] traffic write failed: %v", err)
	}
}
