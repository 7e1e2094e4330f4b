package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agentdeck/internal/core"
)

// EventLog appends every UI-bound event to a JSONL file.
type EventLog struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

func New(path string) (*EventLog, error) {
	if dir := filepathDir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	return &EventLog{file: file, now: time.Now}, nil
}

func (l *EventLog) Emit(event core.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return err
	}

	return nil
}

func (l *EventLog) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ReadTask returns the logged events of one task in file order. Lines that
// do not decode are skipped.
func ReadTask(path string, taskID string) ([]core.Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []core.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var event core.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if taskID == "" || event.TaskID == taskID {
			out = append(out, event)
		}
	}
	return out, scanner.Err()
}

func filepathDir(path string) string {
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return dir
}
