package model

import (
	"strconv"
	"time"
)

// ReceptionStatus is the lifecycle state of a visit.
type ReceptionStatus string

const (
	ReceptionScheduled ReceptionStatus = "scheduled"
	ReceptionCompleted ReceptionStatus = "completed"
	ReceptionCancelled ReceptionStatus = "cancelled"
	ReceptionNoShow    ReceptionStatus = "no_show"
)

// Valid reports whether s is a known status.
func (s ReceptionStatus) Valid() bool {
	switch s {
	case ReceptionScheduled, ReceptionCompleted, ReceptionCancelled, ReceptionNoShow:
		return true
	}
	return false
}

// Terminal reports whether the visit will not take place.
func (s ReceptionStatus) Terminal() bool {
	return s == ReceptionCancelled || s == ReceptionNoShow
}

// Reception is a single visit/appointment. ID is zero until IDENT assigns one.
type Reception struct {
	ID           int64           `json:"id"`
	PatientID    int64           `json:"patient_id"`
	Patient      *Patient        `json:"patient,omitempty"`
	At           time.Time       `json:"at"`
	Status       ReceptionStatus `json:"status"`
	DoctorName   string          `json:"doctor_name,omitempty"`
	ServiceName  string          `json:"service_name,omitempty"`
	Cost         *float64        `json:"cost,omitempty"`
	DurationMin  int             `json:"duration_min,omitempty"`
	Comment      string          `json:"comment,omitempty"`
	LastModified time.Time       `json:"last_modified"`
}

// Key identifies the reception in logs and failure reports.
func (r Reception) Key() string {
	if r.ID == 0 {
		return "patient:" + strconv.FormatInt(r.PatientID, 10)
	}
	return strconv.FormatInt(r.ID, 10)
}
