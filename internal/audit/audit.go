// Package audit appends an operator-readable trail of delivery outcomes
// and credential lifecycle changes to logs/audit.jsonl.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/shared"
)

// Actions recorded in the audit trail.
const (
	ActionBatchDelivered    = "batch_delivered"
	ActionBatchFailed       = "batch_failed"
	ActionCredentialSaved   = "credential_saved"
	ActionCredentialCleared = "credential_cleared"
	ActionCapacityEvicted   = "capacity_evicted"
	ActionCompanionLaunched = "companion_launched"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome,omitempty"`
	Detail    string `json:"detail,omitempty"`
	BatchID   string `json:"batch_id,omitempty"`
	Count     int    `json:"count,omitempty"`
}

var (
	mu           sync.Mutex
	file         *os.File
	failureCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailureCount returns the number of failed delivery attempts recorded
// since startup.
func FailureCount() int64 {
	return failureCount.Load()
}

// RecordBatch records one delivery attempt. Detail is redacted before it
// is persisted so credential material never reaches disk in cleartext.
func RecordBatch(action, batchID, outcome, detail string, count int) {
	if action == ActionBatchFailed {
		failureCount.Add(1)
	}
	write(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Outcome:   outcome,
		Detail:    shared.Redact(detail),
		BatchID:   batchID,
		Count:     count,
	})
}

// Record records a non-delivery lifecycle action.
func Record(action, detail string) {
	write(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Detail:    shared.Redact(detail),
	})
}

func write(ev entry) {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = file.Write(append(b, '\n'))
}
