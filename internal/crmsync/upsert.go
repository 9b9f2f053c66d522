package crmsync

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ident-sync/internal/model"
	"github.com/sells-group/ident-sync/pkg/amocrm"
)

// UpsertRequest is everything the coordinator needs for one reception.
type UpsertRequest struct {
	Reception model.Reception
	Match     model.SearchResult
	Funnel    model.Funnel
	// Contact is the payload used when a contact has to be created.
	Contact amocrm.Contact
	// Lead carries name, price and custom fields; pipeline, stage and
	// links are set here.
	Lead amocrm.Lead
	// ContactID names a contact known to exist although the search did not
	// find it, e.g. one created earlier in the same run.
	ContactID int
	// TransitionTo moves the lead to this stage when non-zero.
	TransitionTo int
}

// Coordinator turns a resolution into CRM writes. It never retries; the
// gateway already did.
type Coordinator struct {
	crm       amocrm.Client
	pipelines Pipelines
	log       *zap.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(crm amocrm.Client, pipelines Pipelines) *Coordinator {
	return &Coordinator{
		crm:       crm,
		pipelines: pipelines,
		log:       zap.L().With(zap.String("component", "crmsync.upsert")),
	}
}

// Upsert performs exactly one of: update the matched lead, create a lead for
// the matched contact, or create a contact and then a lead.
func (c *Coordinator) Upsert(ctx context.Context, req UpsertRequest) model.Outcome {
	out := model.Outcome{RecordID: req.Reception.Key(), Tier: req.Match.Tier}

	if req.Match.IsLead() {
		lead := req.Lead
		lead.ID = req.Match.LeadID
		lead.PipelineID = 0
		lead.StatusID = req.TransitionTo
		lead.Embedded = nil
		if err := c.crm.UpdateLead(ctx, lead); err != nil {
			return c.fail(out, eris.Wrapf(err, "update lead %d", lead.ID))
		}
		out.Kind = model.OutcomeUpdated
		out.LeadID = lead.ID
		return out
	}

	if req.Reception.Status.Terminal() {
		out.Kind = model.OutcomeSkipped
		out.ContactID = req.Match.ContactID
		return out
	}

	if req.Match.ContactID != 0 {
		if err := c.refreshContact(ctx, req); err != nil {
			return c.fail(out, err)
		}
	}

	contactID := req.Match.ContactID
	if contactID == 0 {
		contactID = req.ContactID
	}
	createdContact := false
	if contactID == 0 {
		ids, err := c.crm.CreateContacts(ctx, []amocrm.Contact{req.Contact})
		if err != nil {
			return c.fail(out, eris.Wrap(err, "create contact"))
		}
		if len(ids) == 0 {
			return c.fail(out, eris.New("create contact: no id returned"))
		}
		contactID = ids[0]
		createdContact = true
	}
	out.ContactID = contactID

	pipeline := c.pipelines.For(req.Funnel)
	lead := req.Lead
	lead.ID = 0
	lead.PipelineID = pipeline.ID
	lead.StatusID = pipeline.NewStage
	if req.TransitionTo != 0 {
		lead.StatusID = req.TransitionTo
	}
	lead.Embedded = &amocrm.LeadEmbedded{Contacts: []amocrm.EntityRef{{ID: contactID, IsMain: true}}}

	ids, err := c.crm.CreateLeads(ctx, []amocrm.Lead{lead})
	if err == nil && len(ids) == 0 {
		err = eris.New("no id returned")
	}
	if err != nil {
		// The contact exists now; a re-drive resumes from it.
		out.Partial = createdContact
		c.log.Warn("lead creation failed after contact",
			zap.String("reception", out.RecordID),
			zap.Int("contact_id", contactID),
			zap.Bool("contact_created", createdContact))
		return c.fail(out, eris.Wrap(err, "create lead"))
	}

	out.Kind = model.OutcomeCreated
	out.LeadID = ids[0]
	out.Funnel = req.Funnel
	return out
}

// refreshContact brings a matched contact's name and fields up to date. Only
// run-fatal errors are returned; anything else is logged and the lead is
// still created.
func (c *Coordinator) refreshContact(ctx context.Context, req UpsertRequest) error {
	if req.Contact.Name == "" && len(req.Contact.CustomFields) == 0 {
		return nil
	}
	contact := req.Contact
	contact.ID = req.Match.ContactID
	contact.Embedded = nil
	err := c.crm.UpdateContact(ctx, contact)
	if err == nil {
		return nil
	}
	if Classify(err).RunFatal() {
		return eris.Wrapf(err, "update contact %d", contact.ID)
	}
	c.log.Warn("contact refresh failed",
		zap.String("reception", req.Reception.Key()),
		zap.Int("contact_id", contact.ID),
		zap.Error(err))
	return nil
}

func (c *Coordinator) fail(out model.Outcome, err error) model.Outcome {
	out.Kind = model.OutcomeFailed
	out.ErrKind = Classify(err)
	out.Err = &RecordError{Entity: model.EntityReception, RecordID: out.RecordID, Kind: out.ErrKind, Err: err}
	return out
}
