package relay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gaslessrelay/internal/intent"
	"gaslessrelay/internal/logger"
	"gaslessrelay/internal/metrics"
)

// DeadLetters writes one JSON file per intent that failed for a transient
// reason or whose final status could not be stored, so an operator can
// inspect and replay it.
type DeadLetters struct {
	dir     string
	metrics *metrics.Registry
	log     logger.Logger
}

// NewDeadLetters returns nil when dir is empty; a nil *DeadLetters drops writes.
func NewDeadLetters(dir string, m *metrics.Registry, log logger.Logger) *DeadLetters {
	if dir == "" {
		return nil
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &DeadLetters{dir: dir, metrics: m, log: log}
}

type deadLetter struct {
	Timestamp time.Time            `json:"timestamp"`
	TxID      string               `json:"txId"`
	Reason    string               `json:"reason"`
	Error     string               `json:"error"`
	Attempts  int                  `json:"attempts"`
	Intent    *intent.SignedIntent `json:"intent"`
}

func (d *DeadLetters) Write(txID string, in *intent.SignedIntent, attempts int, failure *Failure) {
	if d == nil {
		return
	}

	entry := deadLetter{
		Timestamp: time.Now().UTC(),
		TxID:      txID,
		Reason:    failure.Reason,
		Error:     failure.Error(),
		Attempts:  attempts,
		Intent:    in,
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		d.log.Error("dlq marshal error: %v", err)
		return
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		d.log.Error("dlq mkdir error: %v", err)
		return
	}

	filename := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), txID)
	path := filepath.Join(d.dir, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		d.log.Error("dlq write error: %v", err)
	}

	d.UpdateDepth()
}

// UpdateDepth refreshes the depth gauge and returns the current depth.
func (d *DeadLetters) UpdateDepth() int {
	depth := d.Depth()
	if d != nil && d.metrics != nil {
		d.metrics.SetDLQDepth(depth)
	}
	return depth
}

func (d *DeadLetters) Depth() int {
	if d == nil {
		return 0
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			d.log.Error("dlq read error: %v", err)
		}
		return 0
	}
	return len(entries)
}
