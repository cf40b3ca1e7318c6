package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// rotatingFile appends JSON lines to a file. With rotation on, the file is
// renamed aside when it outgrows maxBytes or the UTC day changes, and
// renamed files older than maxAge are pruned.
type rotatingFile struct {
	mu       sync.Mutex
	path     string
	f        *os.File
	size     int64
	day      string
	rotate   bool
	maxBytes int64
	maxAge   time.Duration
}

var (
	fileMu sync.Mutex
	active *rotatingFile
)

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func EnableFileLogging(filePath string) error {
	return EnableFileLoggingWithRotation(filePath, false, 0, 0)
}

func EnableFileLoggingWithRotation(filePath string, rotationEnabled bool, maxSizeMB int, maxAgeDays int) error {
	if strings.HasPrefix(filePath, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			filePath = filepath.Join(home, filePath[2:])
		}
	}

	rf := &rotatingFile{
		path:     filePath,
		rotate:   rotationEnabled,
		maxBytes: int64(maxSizeMB) << 20,
		maxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
	}
	if err := rf.open(); err != nil {
		return err
	}

	fileMu.Lock()
	prev := active
	active = rf
	fileMu.Unlock()
	if prev != nil {
		prev.close()
	}

	log.Printf("File logging enabled: %s (rotation=%t, max_size=%dMB, max_age=%dd)",
		filePath, rotationEnabled, maxSizeMB, maxAgeDays)
	return nil
}

func DisableFileLogging() {
	fileMu.Lock()
	prev := active
	active = nil
	fileMu.Unlock()
	if prev != nil {
		prev.close()
		log.Println("File logging disabled")
	}
}

func currentFile() *rotatingFile {
	fileMu.Lock()
	defer fileMu.Unlock()
	return active
}

func (rf *rotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(rf.path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	rf.f = f
	rf.size = 0
	if st, err := f.Stat(); err == nil {
		rf.size = st.Size()
	}
	rf.day = dayKey(time.Now())
	return nil
}

func (rf *rotatingFile) close() {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.f != nil {
		rf.f.Close()
		rf.f = nil
	}
}

func (rf *rotatingFile) due(now time.Time) bool {
	if !rf.rotate {
		return false
	}
	if rf.maxBytes > 0 && rf.size >= rf.maxBytes {
		return true
	}
	return rf.maxAge > 0 && dayKey(now) != rf.day
}

// roll renames the current file aside and opens a fresh one. Caller holds mu.
func (rf *rotatingFile) roll(now time.Time) error {
	rf.f.Close()
	rf.f = nil
	aside := rf.path + "." + now.Format("20060102-150405")
	renameErr := os.Rename(rf.path, aside)
	if err := rf.open(); err != nil {
		return err
	}
	if renameErr != nil {
		return fmt.Errorf("failed to rotate log file: %w", renameErr)
	}
	go pruneRotated(rf.path, rf.maxAge)
	return nil
}

func (rf *rotatingFile) write(e LogEntry) {
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	line = append(line, '\n')

	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.f == nil {
		return
	}
	if now := time.Now(); rf.due(now) {
		if err := rf.roll(now); err != nil {
			log.Printf("Failed to rotate log file: %v", err)
		}
		if rf.f == nil {
			return
		}
	}
	if n, err := rf.f.Write(line); err == nil {
		rf.size += int64(n)
	}
}

// pruneRotated deletes renamed-aside logs of path older than maxAge.
func pruneRotated(path string, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, m := range matches {
		if st, err := os.Stat(m); err == nil && !st.IsDir() && st.ModTime().Before(cutoff) {
			os.Remove(m)
		}
	}
}
