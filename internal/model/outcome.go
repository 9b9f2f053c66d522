package model

// Funnel selects the CRM pipeline a new lead is opened in.
type Funnel int

const (
	// FunnelPrimary is the first-visit pipeline.
	FunnelPrimary Funnel = iota + 1
	// FunnelSecondary is the returning-patient pipeline.
	FunnelSecondary
)

func (f Funnel) String() string {
	switch f {
	case FunnelPrimary:
		return "primary"
	case FunnelSecondary:
		return "secondary"
	default:
		return "none"
	}
}

// Tier records which search step produced a match.
type Tier int

const (
	TierNone Tier = iota
	TierReceptionID
	TierPatientNumber
	TierPhone
	TierPatientID
)

func (t Tier) String() string {
	switch t {
	case TierReceptionID:
		return "reception_id"
	case TierPatientNumber:
		return "patient_number"
	case TierPhone:
		return "phone"
	case TierPatientID:
		return "patient_id"
	default:
		return "none"
	}
}

// SearchResult holds at most one of ContactID and LeadID. The zero value
// means no match.
type SearchResult struct {
	ContactID  int  `json:"contact_id,omitempty"`
	LeadID     int  `json:"lead_id,omitempty"`
	PipelineID int  `json:"pipeline_id,omitempty"`
	StatusID   int  `json:"status_id,omitempty"`
	Tier       Tier `json:"tier"`
	Ambiguous  bool `json:"ambiguous,omitempty"`
	Candidates int  `json:"candidates,omitempty"`
}

// Found reports whether any tier matched.
func (r SearchResult) Found() bool { return r.Tier != TierNone }

// IsLead reports a lead-level match.
func (r SearchResult) IsLead() bool { return r.LeadID != 0 }

// OutcomeKind is the per-record result of a sync attempt.
type OutcomeKind string

const (
	OutcomeCreated OutcomeKind = "created"
	OutcomeUpdated OutcomeKind = "updated"
	OutcomeSkipped OutcomeKind = "skipped"
	OutcomeFailed  OutcomeKind = "failed"
)

// Outcome is emitted for every processed record.
type Outcome struct {
	RecordID  string      `json:"record_id"`
	Kind      OutcomeKind `json:"kind"`
	LeadID    int         `json:"lead_id,omitempty"`
	ContactID int         `json:"contact_id,omitempty"`
	Funnel    Funnel      `json:"funnel,omitempty"`
	Tier      Tier        `json:"tier,omitempty"`
	// Partial marks a create where the contact exists but the lead does not.
	Partial bool      `json:"partial,omitempty"`
	ErrKind ErrorKind `json:"error_kind,omitempty"`
	Err     error     `json:"-"`
}

// Failed reports whether the outcome is a failure.
func (o Outcome) Failed() bool { return o.Kind == OutcomeFailed }
