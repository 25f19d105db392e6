// Package logging tees the standard logger into a file under the data directory so the
// admin API can show recent server output.
package logging

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ispbill/routerd/internal/config"
)

const defaultLogPath = "/app/data/routerd.log"

// maxLineBytes bounds a single scanned line; audit failures can quote long router replies.
const maxLineBytes = 1 << 20

var (
	mu      sync.Mutex
	logFile *os.File
)

func logPath() string {
	if p := config.Cfg.LogPath; p != "" {
		return p
	}
	return defaultLogPath
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// Init sends log output to stdout and the configured log file. Call it after config.Load.
// When the file cannot be opened, logging stays on stdout only.
func Init() {
	path := logPath()
	f, err := openAppend(path)
	if err != nil {
		log.Printf("WARNING: file logging disabled (%s): %v", path, err)
		return
	}

	mu.Lock()
	logFile = f
	mu.Unlock()
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	log.Printf("Logging to file: %s", path)
}

// Close detaches the log file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	log.SetOutput(os.Stdout)
	err := logFile.Close()
	logFile = nil
	return err
}

// ReadTail returns the last n lines of the log file, or all of it when n <= 0. A missing
// file reads as empty.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(logPath())
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var (
		ring  []string
		start int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		if n <= 0 || len(ring) < n {
			ring = append(ring, sc.Text())
			continue
		}
		ring[start] = sc.Text()
		start = (start + 1) % n
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	ordered := append(ring[start:len(ring):len(ring)], ring[:start]...)
	return strings.Join(ordered, "\n"), nil
}

// Clear empties the log file.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile == nil {
		err := os.Truncate(logPath(), 0)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := logFile.Truncate(0); err != nil {
		return fmt.Errorf("truncate log file: %w", err)
	}
	if _, err := logFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek log file: %w", err)
	}
	return nil
}
