// Package errlog implements the shared append-only error log. One line per
// failure, flushed per entry, never rotated or truncated by this system;
// rotation is an external operational concern. Downstream tooling parses
// the line format, so it must not change.
package errlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Origin tags for log entries.
const (
	OriginFetch   = "fetch"
	OriginProcess = "process"
	OriginSweep   = "sweep"
)

// Delimiter separates the four line fields: timestamp, origin, location,
// message.
const Delimiter = " | "

// Log is the injected logging collaborator. Opened once per run; safe for
// use from the single pipeline goroutine and the cron scheduler goroutine.
type Log struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

// Open opens (creating if needed) the error log at path in append mode.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) //nolint:gosec // Operator-configured path
	if err != nil {
		return nil, fmt.Errorf("open error log: %w", err)
	}

	return &Log{file: file, now: time.Now}, nil
}

// Append writes one entry. The write is unbuffered, so each entry is
// flushed to the file as it happens.
func (l *Log) Append(origin, location, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := strings.Join([]string{
		l.now().Format(time.RFC3339),
		origin,
		location,
		sanitize(message),
	}, Delimiter)

	if _, err := l.file.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("append error log: %w", err)
	}

	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	return l.file.Close()
}

// sanitize keeps entries one line each and bounds their length so a single
// failure cannot flood the log.
func sanitize(message string) string {
	message = strings.ReplaceAll(message, "\n", " ")

	const maxLen = 400
	if len(message) > maxLen {
		message = message[:maxLen-3] + "..."
	}

	return message
}

// Count reports how many failure entries exist for the given location
// (unit label). Used by the sweep to stop re-attempting units that keep
// failing. A missing log file counts as zero.
func Count(path, location string) int {
	data, err := os.ReadFile(path) //nolint:gosec // Operator-configured path
	if err != nil {
		return 0
	}

	needle := Delimiter + location + Delimiter
	count := 0

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, needle) {
			continue
		}

		if strings.Contains(line, Delimiter+OriginFetch+Delimiter) ||
			strings.Contains(line, Delimiter+OriginProcess+Delimiter) {
			count++
		}
	}

	return count
}
