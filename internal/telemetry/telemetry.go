// Package telemetry records a build as a JSONL event stream: every pass, rule
// run and fixpoint, so slow or oscillating documents can be analyzed after
// the fact.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Event kinds identify the type of telemetry event.
const (
	KindBuildStart = "build_start"
	KindPassStart  = "pass_start"
	KindRuleStart  = "rule_start"
	KindRuleDone   = "rule_done"
	KindRuleFailed = "rule_failed"
	KindRuleCreate = "rule_created"
	KindFixpoint   = "fixpoint"
	KindBuildDone  = "build_done"
)

// Event is a single telemetry record.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	Build     string    `json:"build,omitempty"` // document base name
	Pass      int       `json:"pass,omitempty"`
	Rule      string    `json:"rule,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// RuleData is the payload of rule events.
type RuleData struct {
	Reasons  string  `json:"reasons,omitempty"`
	Result   string  `json:"result,omitempty"`
	ExitCode int     `json:"exit_code,omitempty"`
	Seconds  float64 `json:"seconds,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Emitter writes telemetry events to a JSONL file. It is safe for concurrent
// use by multiple goroutines. A nil *Emitter is a valid no-op emitter.
type Emitter struct {
	file *os.File
	enc  *json.Encoder
	mu   sync.Mutex
}

// NewEmitter creates a new Emitter that appends JSONL events to the file at
// path.
func NewEmitter(path string) (*Emitter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	return &Emitter{
		file: f,
		enc:  json.NewEncoder(f),
	}, nil
}

// Emit writes a single event. A zero timestamp is set to now.
// Calling Emit on a nil Emitter is a no-op.
func (e *Emitter) Emit(evt Event) error {
	if e == nil {
		return nil
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(evt); err != nil {
		return fmt.Errorf("telemetry: encode event: %w", err)
	}
	return nil
}

// Close closes the underlying file. Calling Close on a nil Emitter is a no-op.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.file.Close(); err != nil {
		return fmt.Errorf("telemetry: close: %w", err)
	}
	return nil
}
