// Package audit appends one JSON line per store action to a log file.
// Auditing is best-effort: a failed append is logged and swallowed, it never
// fails the operation being audited.
package audit

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/engramdb/engram/pkg/logging"
	"github.com/engramdb/engram/pkg/types"
)

// Entry is one audit record.
type Entry struct {
	TS       string `json:"ts"`
	Actor    string `json:"actor"`
	Act      string `json:"act"`
	Detail   string `json:"detail"`
	Severity string `json:"severity"`
}

// Log appends entries to a single JSONL file.
type Log struct {
	mu   sync.Mutex
	path string
	log  *logrus.Logger
}

// Open prepares an audit log at path, creating parent directories.
func Open(path string, log *logrus.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Log{path: path, log: logging.OrDiscard(log)}, nil
}

// Record appends one entry. Failures are swallowed after a warning.
func (l *Log) Record(actor, act, detail, severity string) {
	entry := Entry{
		TS:       types.Now(),
		Actor:    actor,
		Act:      act,
		Detail:   detail,
		Severity: severity,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.log.WithError(err).Warn("audit: marshal failed")
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.log.WithError(err).Warn("audit: open failed")
		return
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		l.log.WithError(err).Warn("audit: append failed")
	}
}

// Tail returns up to limit most recent entries, newest last. Unparseable
// lines are skipped.
func (l *Log) Tail(limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			break
		}
		entries = append(entries, e)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
