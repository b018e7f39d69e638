package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status constants for run records.
const (
	StatusRunning     = "running"
	StatusComplete    = "complete"
	StatusFailed      = "failed"
	StatusPaused      = "paused"
	StatusInterrupted = "interrupted"
)

// Event types for the run log.
const (
	EventRunStart   = "run_start"
	EventRunEnd     = "run_end"
	EventCycleStart = "cycle_start"
	EventCycleEnd   = "cycle_end"

	EventUser      = "user"      // prompt sent to the agent
	EventAssistant = "assistant" // agent response

	EventCommand = "command" // RUN step result
	EventVerify  = "verify"  // VERIFY step result
	EventBranch  = "branch"  // ON-FAILURE / ON-SUCCESS taken

	EventCompaction      = "compaction"
	EventNewConversation = "new_conversation"
	EventContextReload   = "context_reload"
	EventCheckpoint      = "checkpoint"
	EventPause           = "pause"
	EventWarning         = "warning"
)

// Record is the persisted log of one run.
type Record struct {
	ID           string            `json:"id"`
	WorkflowName string            `json:"workflow_name"`
	Mode         string            `json:"mode"`
	Cycles       int               `json:"cycles"`
	Status       string            `json:"status"`
	Error        string            `json:"error,omitempty"`
	Summary      map[string]int64  `json:"summary,omitempty"`
	State        map[string]string `json:"state,omitempty"`
	Events       []Event           `json:"events"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`

	seqCounter uint64
	mu         sync.Mutex
}

// Event is a single entry in the run log.
type Event struct {
	SeqID     uint64    `json:"seq"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Where in the run this happened
	Cycle int    `json:"cycle,omitempty"`
	Phase string `json:"phase,omitempty"`
	Step  int    `json:"step,omitempty"` // 1-based position within the phase

	Content string `json:"content,omitempty"`
	Tool    string `json:"tool,omitempty"` // command text or verifier name

	Success    *bool  `json:"success,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	Meta *EventMeta `json:"meta,omitempty"`
}

// EventMeta carries structured detail for analysis and replay.
type EventMeta struct {
	Outcome     string `json:"outcome,omitempty"` // success, failure, timeout
	ExitCode    *int   `json:"exit_code,omitempty"`
	TimedOut    bool   `json:"timed_out,omitempty"`
	ElidedBytes int64  `json:"elided_bytes,omitempty"`
	Injected    bool   `json:"injected,omitempty"` // output entered the session
	Branch      string `json:"branch,omitempty"`   // on-failure, on-success

	// Agent turns
	Model         string `json:"model,omitempty"`
	TokensIn      int    `json:"tokens_in,omitempty"`
	TokensOut     int    `json:"tokens_out,omitempty"`
	ContextTokens int    `json:"context_tokens,omitempty"`

	// Compaction
	Trigger   string   `json:"trigger,omitempty"`
	Preserved []string `json:"preserved,omitempty"`
	Omitted   []string `json:"omitted,omitempty"`

	Checkpoint string `json:"checkpoint,omitempty"`
}

// NewRecord creates a record for a new run.
func NewRecord(workflowName, mode string, cycles int) *Record {
	now := time.Now()
	return &Record{
		ID:           uuid.New().String(),
		WorkflowName: workflowName,
		Mode:         mode,
		Cycles:       cycles,
		Status:       StatusRunning,
		State:        make(map[string]string),
		Events:       []Event{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// AddEvent appends an event with the next sequence number.
func (r *Record) AddEvent(event Event) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	event.SeqID = atomic.AddUint64(&r.seqCounter, 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	r.Events = append(r.Events, event)
	r.UpdatedAt = time.Now()
	return event.SeqID
}

// CurrentSeqID returns the last used sequence number.
func (r *Record) CurrentSeqID() uint64 {
	return atomic.LoadUint64(&r.seqCounter)
}

// Snapshot returns a copy of the events recorded so far.
func (r *Record) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.Events...)
}

// Finish sets the final status.
func (r *Record) Finish(status string, err error, summary map[string]int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Status = status
	if err != nil {
		r.Error = err.Error()
	}
	r.Summary = summary
	r.UpdatedAt = time.Now()
}

// Bool returns a pointer for Event.Success.
func Bool(b bool) *bool { return &b }

// Int returns a pointer for EventMeta.ExitCode.
func Int(i int) *int { return &i }

// Store persists run records.
type Store interface {
	Save(rec *Record) error
	Load(id string) (*Record, error)
}

// JSONL record types for streaming format
const (
	RecordTypeHeader = "header"
	RecordTypeEvent  = "event"
	RecordTypeFooter = "footer"
)

// JSONLRecord is one line of a run log file.
type JSONLRecord struct {
	RecordType string `json:"_type"`

	// Header fields
	ID           string    `json:"id,omitempty"`
	WorkflowName string    `json:"workflow_name,omitempty"`
	Mode         string    `json:"mode,omitempty"`
	Cycles       int       `json:"cycles,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`

	// Event fields
	*Event `json:",omitempty"`

	// Footer fields. RunError is distinct from the embedded Event.Error.
	Status    string            `json:"status,omitempty"`
	RunError  string            `json:"run_error,omitempty"`
	Summary   map[string]int64  `json:"summary,omitempty"`
	State     map[string]string `json:"state,omitempty"`
	UpdatedAt time.Time         `json:"updated_at,omitempty"`
}

// FileStore keeps one JSONL file per run.
type FileStore struct {
	dir string
}

// NewFileStore creates a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the file a record is saved to.
func (s *FileStore) Path(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

// Save rewrites the record's file: header, events, footer.
func (s *FileStore) Save(rec *Record) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	tmp := s.Path(rec.ID) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create run log: %w", err)
	}

	w := bufio.NewWriter(f)
	err = writeRecord(w, rec)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.Path(rec.ID))
}

func writeRecord(w io.Writer, rec *Record) error {
	lines := []JSONLRecord{{
		RecordType:   RecordTypeHeader,
		ID:           rec.ID,
		WorkflowName: rec.WorkflowName,
		Mode:         rec.Mode,
		Cycles:       rec.Cycles,
		CreatedAt:    rec.CreatedAt,
	}}
	for i := range rec.Events {
		evt := rec.Events[i]
		lines = append(lines, JSONLRecord{RecordType: RecordTypeEvent, Event: &evt})
	}
	lines = append(lines, JSONLRecord{
		RecordType: RecordTypeFooter,
		Status:     rec.Status,
		RunError:   rec.Error,
		Summary:    rec.Summary,
		State:      rec.State,
		UpdatedAt:  rec.UpdatedAt,
	})

	for _, line := range lines {
		data, err := json.Marshal(line)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		data = append(data, '\n')
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a record by ID.
func (s *FileStore) Load(id string) (*Record, error) {
	return LoadFile(s.Path(id))
}

// List returns the IDs of stored runs, most recent first.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	type item struct {
		id  string
		mod time.Time
	}
	var items []item
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, item{strings.TrimSuffix(e.Name(), ".jsonl"), info.ModTime()})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].mod.After(items[j].mod) })

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	return ids, nil
}

// LoadFile reads a run log from a JSONL file.
func LoadFile(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rec := &Record{
		State:  make(map[string]string),
		Events: []Event{},
	}

	// bufio.Reader has no line length limit, unlike Scanner
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("error reading JSONL: %w", err)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if perr := parseLine(trimmed, rec); perr != nil {
				return nil, perr
			}
		}
		if err == io.EOF {
			break
		}
	}

	if len(rec.Events) > 0 {
		rec.seqCounter = rec.Events[len(rec.Events)-1].SeqID
	}
	return rec, nil
}

func parseLine(line []byte, rec *Record) error {
	var record JSONLRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return fmt.Errorf("failed to parse JSONL line: %w", err)
	}

	switch record.RecordType {
	case RecordTypeHeader:
		rec.ID = record.ID
		rec.WorkflowName = record.WorkflowName
		rec.Mode = record.Mode
		rec.Cycles = record.Cycles
		rec.CreatedAt = record.CreatedAt
	case RecordTypeEvent:
		if record.Event != nil {
			rec.Events = append(rec.Events, *record.Event)
		}
	case RecordTypeFooter:
		rec.Status = record.Status
		rec.Error = record.RunError
		rec.Summary = record.Summary
		if record.State != nil {
			rec.State = record.State
		}
		rec.UpdatedAt = record.UpdatedAt
	}
	return nil
}
