package domain

import "time"

// TaskStatus represents the lifecycle state of a search task
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task is the state of one search. Only the runner executing it writes to
// it; everyone else reads snapshots from the registry.
type Task struct {
	ID            string       `json:"task_id"`
	Status        TaskStatus   `json:"status"`
	Query         string       `json:"query"`
	Count         int          `json:"count"`
	Coordinates   *Coordinates `json:"coordinates,omitempty"`
	CallerSession string       `json:"session_id,omitempty"`
	Progress      int          `json:"progress"`

	Results            []Listing `json:"results"`
	TotalFound         int       `json:"total_found"`
	SuccessfulExtracts int       `json:"successful_extracts"`
	FromCache          bool      `json:"from_cache"`
	Deduplicated       bool      `json:"deduplicated"`
	OriginalCount      int       `json:"original_count"`
	DeduplicatedCount  int       `json:"deduplicated_count"`
	RemovedDuplicates  int       `json:"removed_duplicates"`

	Error      string `json:"error,omitempty"`
	ErrorField string `json:"error_field,omitempty"`
	OutputFile string `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Request rebuilds the search parameters the task was submitted with.
func (t *Task) Request() SearchRequest {
	return SearchRequest{
		Query:         t.Query,
		Count:         t.Count,
		Coordinates:   t.Coordinates,
		CallerSession: t.CallerSession,
	}
}

// Clone returns a deep copy safe to hand to readers.
func (t *Task) Clone() *Task {
	c := *t
	if t.Results != nil {
		c.Results = append([]Listing(nil), t.Results...)
	}
	if t.Coordinates != nil {
		coords := *t.Coordinates
		c.Coordinates = &coords
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		s := *t.CompletedAt
		c.CompletedAt = &s
	}
	return &c
}

// Outcome is what a successful run reports when it completes a task.
type Outcome struct {
	Results            []Listing
	TotalFound         int
	SuccessfulExtracts int
	FromCache          bool
	Deduplicated       bool
	OriginalCount      int
	RemovedDuplicates  int
	OutputFile         string
}

// StreamEventType labels a JSON-lines event on the streaming endpoint
type StreamEventType string

const (
	StreamEventStart    StreamEventType = "start"
	StreamEventProgress StreamEventType = "progress"
	StreamEventResults  StreamEventType = "results"
	StreamEventError    StreamEventType = "error"
	StreamEventComplete StreamEventType = "complete"
)

// StreamEvent is one line of the streaming search response
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	TaskID   string          `json:"task_id,omitempty"`
	Status   TaskStatus      `json:"status,omitempty"`
	Progress int             `json:"progress,omitempty"`
	Results  []Listing       `json:"results,omitempty"`
	Message  string          `json:"message,omitempty"`
	Field    string          `json:"field,omitempty"`

	TotalFound         int  `json:"total_found,omitempty"`
	SuccessfulExtracts int  `json:"successful_extracts,omitempty"`
	FromCache          bool `json:"from_cache,omitempty"`
	RemovedDuplicates  int  `json:"removed_duplicates,omitempty"`
}
