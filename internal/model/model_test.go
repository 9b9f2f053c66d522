package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatient_FullName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Иванов Иван Петрович", Patient{Surname: "Иванов", Name: " Иван ", Patronymic: "Петрович"}.FullName())
	assert.Equal(t, "Иван", Patient{Name: "Иван"}.FullName())
	assert.Equal(t, "Patient 42", Patient{ID: 42}.FullName())
}

func TestPatient_PrimaryPhone(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "+79161234567", Patient{Phone: "84951234567", MobilePhone: " +79161234567 "}.PrimaryPhone())
	assert.Equal(t, "84951234567", Patient{Phone: "84951234567", MobilePhone: "  "}.PrimaryPhone())
	assert.Empty(t, Patient{}.PrimaryPhone())
}

func TestReceptionStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   ReceptionStatus
		valid    bool
		terminal bool
	}{
		{ReceptionScheduled, true, false},
		{ReceptionCompleted, true, false},
		{ReceptionCancelled, true, true},
		{ReceptionNoShow, true, true},
		{"moved", false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, tt.status.Valid(), tt.status)
		assert.Equal(t, tt.terminal, tt.status.Terminal(), tt.status)
	}
}

func TestReception_Key(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "501", Reception{ID: 501, PatientID: 42}.Key())
	assert.Equal(t, "patient:42", Reception{PatientID: 42}.Key())
}

func TestErrorKind_RunFatal(t *testing.T) {
	t.Parallel()

	for _, k := range []ErrorKind{ErrAuthExpired, ErrTransport, ErrFatalConfig} {
		assert.True(t, k.RunFatal(), k)
	}
	for _, k := range []ErrorKind{ErrNotFound, ErrAmbiguousMatch, ErrRateLimited, ErrRemoteValidation, ErrSource, ErrInternal} {
		assert.False(t, k.RunFatal(), k)
	}
}

func TestSearchResult(t *testing.T) {
	t.Parallel()

	assert.False(t, SearchResult{}.Found())
	lead := SearchResult{LeadID: 7, Tier: TierPhone}
	assert.True(t, lead.Found())
	assert.True(t, lead.IsLead())
	assert.False(t, SearchResult{ContactID: 9, Tier: TierPatientID}.IsLead())
	assert.Equal(t, "patient_number", TierPatientNumber.String())
	assert.Equal(t, "secondary", FunnelSecondary.String())
	assert.Equal(t, "none", Funnel(0).String())
}

func TestRunSummary_Record(t *testing.T) {
	t.Parallel()

	var s RunSummary
	s.Record(EntityReception, Outcome{RecordID: "1", Kind: OutcomeCreated, Funnel: FunnelPrimary})
	s.Record(EntityReception, Outcome{RecordID: "2", Kind: OutcomeCreated, Funnel: FunnelSecondary})
	s.Record(EntityReception, Outcome{RecordID: "3", Kind: OutcomeUpdated, Funnel: FunnelSecondary})
	s.Record(EntityReception, Outcome{
		RecordID: "4", Kind: OutcomeFailed, ErrKind: ErrInternal, Partial: true, ContactID: 77,
		Err: errors.New("lead create"),
	})
	s.Record(EntityPatient, Outcome{RecordID: "42", Kind: OutcomeSkipped})

	assert.Equal(t, Counts{Created: 2, Updated: 1, Failed: 1}, s.Receptions)
	assert.Equal(t, Counts{Skipped: 1}, s.Patients)
	assert.Equal(t, 1, s.Primary)
	assert.Equal(t, 1, s.Secondary, "only created leads count toward the funnel split")
	assert.Equal(t, 4, s.Receptions.Total())

	require.Len(t, s.Failures, 1)
	assert.Equal(t, Failure{
		Entity: EntityReception, RecordID: "4", Kind: ErrInternal,
		Message: "lead create", Partial: true, ContactID: 77,
	}, s.Failures[0])
}
