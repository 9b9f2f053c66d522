package crmsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ident-sync/internal/model"
	"github.com/sells-group/ident-sync/pkg/amocrm"
)

func TestUpsert_UpdatesMatchedLeadInPlace(t *testing.T) {
	crm := newFakeCRM()
	crm.seedLead(amocrm.Lead{ID: 800, Name: "old", PipelineID: 10, StatusID: 100})
	c := NewCoordinator(crm, testPipelines)

	o := c.Upsert(context.Background(), UpsertRequest{
		Reception: newReception(500, patientP(), model.ReceptionScheduled),
		Match:     model.SearchResult{LeadID: 800, PipelineID: 10, StatusID: 100, Tier: model.TierReceptionID},
		Funnel:    model.FunnelSecondary,
		Lead:      amocrm.Lead{Name: "Консультация", PipelineID: 20, StatusID: 200, Embedded: leadRef(1)},
	})
	require.False(t, o.Failed(), o.Err)
	assert.Equal(t, model.OutcomeUpdated, o.Kind)
	assert.Equal(t, 800, o.LeadID)
	assert.Equal(t, model.TierReceptionID, o.Tier)
	assert.Zero(t, o.Funnel, "updates do not count towards a funnel")

	lead := crm.lead(800)
	assert.Equal(t, "Консультация", lead.Name)
	assert.Equal(t, 10, lead.PipelineID)
	assert.Equal(t, 100, lead.StatusID)
	assert.Nil(t, lead.Embedded)
}

func TestUpsert_TransitionMovesStage(t *testing.T) {
	crm := newFakeCRM()
	crm.seedLead(amocrm.Lead{ID: 800, PipelineID: 10, StatusID: 100})
	c := NewCoordinator(crm, testPipelines)

	o := c.Upsert(context.Background(), UpsertRequest{
		Reception:    newReception(500, patientP(), model.ReceptionCompleted),
		Match:        model.SearchResult{LeadID: 800, Tier: model.TierReceptionID},
		TransitionTo: 150,
	})
	require.False(t, o.Failed())
	assert.Equal(t, 150, crm.lead(800).StatusID)
}

func TestUpsert_CreatesLeadForMatchedContact(t *testing.T) {
	crm := newFakeCRM()
	c := NewCoordinator(crm, testPipelines)

	o := c.Upsert(context.Background(), UpsertRequest{
		Reception: newReception(500, patientP(), model.ReceptionScheduled),
		Match:     model.SearchResult{ContactID: 900, Tier: model.TierPhone},
		Funnel:    model.FunnelPrimary,
		Lead:      amocrm.Lead{Name: "x"},
	})
	require.False(t, o.Failed())
	assert.Equal(t, model.OutcomeCreated, o.Kind)
	assert.Equal(t, 900, o.ContactID)
	assert.Equal(t, model.FunnelPrimary, o.Funnel)
	assert.Zero(t, crm.count("CreateContacts"))

	lead := crm.lead(o.LeadID)
	assert.Equal(t, 10, lead.PipelineID)
	assert.Equal(t, 100, lead.StatusID)
	assert.Equal(t, 900, lead.Embedded.Contacts[0].ID)
}

func TestUpsert_UsesKnownContact(t *testing.T) {
	crm := newFakeCRM()
	c := NewCoordinator(crm, testPipelines)

	o := c.Upsert(context.Background(), UpsertRequest{
		Reception: newReception(500, patientP(), model.ReceptionScheduled),
		Funnel:    model.FunnelSecondary,
		ContactID: 901,
	})
	require.False(t, o.Failed())
	assert.Equal(t, 901, o.ContactID)
	assert.Zero(t, crm.count("CreateContacts"))
	assert.Equal(t, 20, crm.lead(o.LeadID).PipelineID)
}

func TestUpsert_TerminalWithoutLeadIsSkipped(t *testing.T) {
	crm := newFakeCRM()
	c := NewCoordinator(crm, testPipelines)

	for _, status := range []model.ReceptionStatus{model.ReceptionCancelled, model.ReceptionNoShow} {
		o := c.Upsert(context.Background(), UpsertRequest{
			Reception: newReception(500, patientP(), status),
			Match:     model.SearchResult{ContactID: 900, Tier: model.TierPhone},
		})
		assert.Equal(t, model.OutcomeSkipped, o.Kind, status)
		assert.Equal(t, 900, o.ContactID)
	}
	assert.Zero(t, crm.count("CreateLeads"))
}

func TestUpsert_ContactFailure(t *testing.T) {
	crm := newFakeCRM()
	crm.failWith("CreateContacts", &amocrm.APIError{Kind: amocrm.KindRateLimited, StatusCode: 429})
	c := NewCoordinator(crm, testPipelines)

	o := c.Upsert(context.Background(), UpsertRequest{Reception: newReception(500, patientP(), model.ReceptionScheduled)})
	assert.True(t, o.Failed())
	assert.Equal(t, model.ErrRateLimited, o.ErrKind)
	assert.False(t, o.Partial)
	assert.Zero(t, crm.count("CreateLeads"))

	var recErr *RecordError
	require.ErrorAs(t, o.Err, &recErr)
	assert.Equal(t, "500", recErr.RecordID)
}

func TestUpsert_LeadFailureAfterExistingContactIsNotPartial(t *testing.T) {
	crm := newFakeCRM()
	crm.failWith("CreateLeads", &amocrm.APIError{Kind: amocrm.KindValidation, StatusCode: 400})
	c := NewCoordinator(crm, testPipelines)

	o := c.Upsert(context.Background(), UpsertRequest{
		Reception: newReception(500, patientP(), model.ReceptionScheduled),
		Match:     model.SearchResult{ContactID: 900, Tier: model.TierPhone},
	})
	assert.True(t, o.Failed())
	assert.False(t, o.Partial)
	assert.Equal(t, 900, o.ContactID)
}

func TestUpsert_RefreshesMatchedContact(t *testing.T) {
	crm := newFakeCRM()
	crm.seedContact(amocrm.Contact{ID: 900, Name: "old", CustomFields: []amocrm.CustomField{phoneField("+79161234567")}})
	c := NewCoordinator(crm, testPipelines)

	o := c.Upsert(context.Background(), UpsertRequest{
		Reception: newReception(500, patientP(), model.ReceptionScheduled),
		Match:     model.SearchResult{ContactID: 900, Tier: model.TierPatientID},
		Funnel:    model.FunnelPrimary,
		Contact: amocrm.Contact{
			Name:         "Иванова Мария",
			CustomFields: []amocrm.CustomField{numField(fContactPatientID, 42)},
			Embedded:     &amocrm.ContactEmbedded{},
		},
	})
	require.False(t, o.Failed(), o.Err)
	assert.Equal(t, model.OutcomeCreated, o.Kind)
	assert.Equal(t, 1, crm.count("UpdateContact"))

	contacts := crm.allContacts()
	require.Len(t, contacts, 1)
	assert.Equal(t, "Иванова Мария", contacts[0].Name)
	assert.Equal(t, "42", amocrm.FieldString(contacts[0].CustomFields, fContactPatientID))
	_, ok := amocrm.FieldByCode(contacts[0].CustomFields, amocrm.PhoneFieldCode)
	assert.True(t, ok)
}

func TestUpsert_ContactRefreshFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantFail bool
	}{
		{"validation is logged", &amocrm.APIError{Kind: amocrm.KindValidation, StatusCode: 400}, false},
		{"rate limit is logged", &amocrm.APIError{Kind: amocrm.KindRateLimited, StatusCode: 429}, false},
		{"auth fails the record", &amocrm.APIError{Kind: amocrm.KindAuth, StatusCode: 401}, true},
		{"transport fails the record", &amocrm.APIError{Kind: amocrm.KindTransport}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crm := newFakeCRM()
			crm.failWith("UpdateContact", tt.err)
			c := NewCoordinator(crm, testPipelines)

			o := c.Upsert(context.Background(), UpsertRequest{
				Reception: newReception(500, patientP(), model.ReceptionScheduled),
				Match:     model.SearchResult{ContactID: 900, Tier: model.TierPhone},
				Contact:   amocrm.Contact{Name: "Иванова Мария"},
			})
			assert.Equal(t, tt.wantFail, o.Failed())
			if tt.wantFail {
				assert.True(t, o.ErrKind.RunFatal())
				assert.False(t, o.Partial)
				assert.Zero(t, crm.count("CreateLeads"))
				return
			}
			assert.Equal(t, model.OutcomeCreated, o.Kind)
			assert.Equal(t, 1, crm.count("CreateLeads"))
		})
	}
}

func TestUpsert_EmptyContactPayloadSkipsRefresh(t *testing.T) {
	crm := newFakeCRM()
	c := NewCoordinator(crm, testPipelines)

	o := c.Upsert(context.Background(), UpsertRequest{
		Reception: newReception(500, patientP(), model.ReceptionScheduled),
		Match:     model.SearchResult{ContactID: 900, Tier: model.TierPhone},
	})
	require.False(t, o.Failed())
	assert.Zero(t, crm.count("UpdateContact"))
}
