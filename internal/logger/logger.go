package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shaunagostinho/serialscope/internal/ingest"
)

// Logger records decoded frames to CSV files with automatic rotation.
type Logger struct {
	mu      sync.Mutex
	dir     string
	limiter *rate.Limiter
	enabled bool
	now     func() time.Time

	file    *os.File
	writer  *csv.Writer
	columns int
	rows    int
}

// Config holds logger configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Path        string `yaml:"path" json:"path"`
	IntervalMs  int    `yaml:"interval_ms" json:"intervalMs"`
	TrafficPath string `yaml:"traffic_path" json:"trafficPath"`
}

const (
	maxRowsPerFile = 100_000
	defaultDir     = "./logs"
)

// New creates a new Logger. IntervalMs of zero records every frame.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = defaultDir
	}
	limit := rate.Inf
	if cfg.IntervalMs > 0 {
		limit = rate.Every(time.Duration(cfg.IntervalMs) * time.Millisecond)
	}
	return &Logger{
		dir:     cfg.Path,
		limiter: rate.NewLimiter(limit, 1),
		enabled: cfg.Enabled,
		now:     time.Now,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes one frame if logging is on and the rate limit allows it.
// It matches ingest.FrameFunc.
func (l *Logger) Record(f ingest.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || len(f.Values) == 0 {
		return
	}
	if !l.limiter.AllowN(f.Time, 1) {
		return
	}

	// A new file starts whenever the channel count changes so every file
	// has one consistent header.
	if l.writer == nil || l.rows >= maxRowsPerFile || len(f.Values) != l.columns {
		if err := l.rotateFile(len(f.Values)); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(f)); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

// CurrentFile returns the path being written, or "" when none is open.
func (l *Logger) CurrentFile() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}

func (l *Logger) rotateFile(columns int) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("serialscope_%s.csv", l.now().Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.columns = columns
	l.rows = 0

	if err := l.writer.Write(header(columns)); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func header(columns int) []string {
	h := make([]string, columns+1)
	h[0] = "timestamp"
	for i := 1; i <= columns; i++ {
		h[i] = "ch" + strconv.Itoa(i)
	}
	return h
}

func buildRow(f ingest.Frame) []string {
	row := make([]string, len(f.Values)+1)
	row[0] = f.Time.Format(time.RFC3339Nano)
	for i, v := range f.Values {
		row[i+1] = strconv.FormatFloat(float64(v), 'g', -1, 32)
	}
	return row
}
