package model

import "time"

// RunMode selects which source records a run considers.
type RunMode string

const (
	// RunIncremental processes records modified since the high-water mark.
	RunIncremental RunMode = "incremental"
	// RunDeep processes every record regardless of timestamps.
	RunDeep RunMode = "deep"
	// RunSingle re-drives one reception by id.
	RunSingle RunMode = "single"
)

// RunStatus is the lifecycle state of a sync run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Entities a failure can refer to.
const (
	EntityReception = "reception"
	EntityPatient   = "patient"
)

// Counts tallies outcomes by kind.
type Counts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Add records one outcome.
func (c *Counts) Add(k OutcomeKind) {
	switch k {
	case OutcomeCreated:
		c.Created++
	case OutcomeUpdated:
		c.Updated++
	case OutcomeSkipped:
		c.Skipped++
	case OutcomeFailed:
		c.Failed++
	}
}

// Total is the number of processed records.
func (c Counts) Total() int {
	return c.Created + c.Updated + c.Skipped + c.Failed
}

// Failure is a per-record failure with enough context to re-drive it.
type Failure struct {
	Entity    string    `json:"entity"`
	RecordID  string    `json:"record_id"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Partial   bool      `json:"partial,omitempty"`
	ContactID int       `json:"contact_id,omitempty"`
}

// RunSummary aggregates a run for logging and external inspection.
type RunSummary struct {
	ID         string     `json:"id"`
	Mode       RunMode    `json:"mode"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Receptions Counts     `json:"receptions"`
	Patients   Counts     `json:"patients"`
	Primary    int        `json:"primary"`
	Secondary  int        `json:"secondary"`
	Failures   []Failure  `json:"failures,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Record folds an outcome into the summary.
func (s *RunSummary) Record(entity string, o Outcome) {
	if entity == EntityPatient {
		s.Patients.Add(o.Kind)
	} else {
		s.Receptions.Add(o.Kind)
		if o.Kind == OutcomeCreated {
			switch o.Funnel {
			case FunnelPrimary:
				s.Primary++
			case FunnelSecondary:
				s.Secondary++
			}
		}
	}
	if o.Failed() {
		msg := ""
		if o.Err != nil {
			msg = o.Err.Error()
		}
		s.Failures = append(s.Failures, Failure{
			Entity:    entity,
			RecordID:  o.RecordID,
			Kind:      o.ErrKind,
			Message:   msg,
			Partial:   o.Partial,
			ContactID: o.ContactID,
		})
	}
}
