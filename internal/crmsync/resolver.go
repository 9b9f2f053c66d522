package crmsync

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ident-sync/internal/fieldmap"
	"github.com/sells-group/ident-sync/internal/model"
	"github.com/sells-group/ident-sync/pkg/amocrm"
)

// Resolver finds the amoCRM record a reception belongs to. Tiers are tried
// in order and the first hit wins:
//
//  1. lead whose reception-id field equals the reception id
//  2. lead whose patient-number field matches and reception-id field is empty
//  3. contact with the patient's phone
//  4. contact whose patient-id field equals the patient id
//
// Leads in excluded stages are never considered.
type Resolver struct {
	crm       amocrm.Client
	fields    *fieldmap.Mapping
	pipelines Pipelines
	log       *zap.Logger
}

// NewResolver creates a Resolver.
func NewResolver(crm amocrm.Client, fields *fieldmap.Mapping, pipelines Pipelines) *Resolver {
	return &Resolver{
		crm:       crm,
		fields:    fields,
		pipelines: pipelines,
		log:       zap.L().With(zap.String("component", "crmsync.resolver")),
	}
}

// Resolve returns the match for rec. A zero SearchResult means no match.
func (r *Resolver) Resolve(ctx context.Context, rec model.Reception, p *model.Patient) (model.SearchResult, error) {
	receptionField := r.fields.LeadFieldID(fieldmap.LeadReceptionID)

	if rec.ID != 0 {
		leads, err := r.findLeads(ctx, amocrm.LeadFilter{
			FieldID: receptionField,
			Value:   strconv.FormatInt(rec.ID, 10),
		})
		if err != nil {
			return model.SearchResult{}, eris.Wrap(err, "resolve by reception id")
		}
		if len(leads) > 0 {
			return r.leadResult(rec, leads, model.TierReceptionID), nil
		}
	}

	if p == nil {
		return model.SearchResult{}, nil
	}

	if p.Number != "" {
		leads, err := r.findLeads(ctx, amocrm.LeadFilter{
			FieldID:      r.fields.LeadFieldID(fieldmap.LeadPatientNumber),
			Value:        p.Number,
			EmptyFieldID: receptionField,
		})
		if err != nil {
			return model.SearchResult{}, eris.Wrap(err, "resolve by patient number")
		}
		if len(leads) > 0 {
			return r.leadResult(rec, leads, model.TierPatientNumber), nil
		}
	}

	if phone := p.PrimaryPhone(); phone != "" {
		contacts, err := amocrm.FindContactsByPhone(ctx, r.crm, phone, r.fields.ContactFieldID(fieldmap.ContactPhone))
		if err != nil {
			return model.SearchResult{}, eris.Wrap(err, "resolve by phone")
		}
		if len(contacts) > 0 {
			return r.contactResult(ctx, rec, contacts, model.TierPhone)
		}
	}

	if p.ID != 0 {
		contacts, err := amocrm.FindContactsByField(ctx, r.crm,
			r.fields.ContactFieldID(fieldmap.ContactPatientID), strconv.FormatInt(p.ID, 10))
		if err != nil {
			return model.SearchResult{}, eris.Wrap(err, "resolve by patient id")
		}
		if len(contacts) > 0 {
			return r.contactResult(ctx, rec, contacts, model.TierPatientID)
		}
	}

	return model.SearchResult{}, nil
}

func (r *Resolver) findLeads(ctx context.Context, f amocrm.LeadFilter) ([]amocrm.Lead, error) {
	f.PipelineIDs = r.pipelines.IDs()
	f.ExcludedStatuses = r.pipelines.ExcludedStages()
	leads, err := amocrm.FindLeads(ctx, r.crm, f)
	if err != nil {
		return nil, err
	}
	return r.open(leads), nil
}

func (r *Resolver) open(leads []amocrm.Lead) []amocrm.Lead {
	var out []amocrm.Lead
	for _, l := range leads {
		if r.pipelines.Open(l.PipelineID, l.StatusID) {
			out = append(out, l)
		}
	}
	return out
}

func (r *Resolver) leadResult(rec model.Reception, leads []amocrm.Lead, tier model.Tier) model.SearchResult {
	lead := PickMostRecentLead(leads)
	res := model.SearchResult{
		LeadID:     lead.ID,
		PipelineID: lead.PipelineID,
		StatusID:   lead.StatusID,
		Tier:       tier,
		Candidates: len(leads),
		Ambiguous:  len(leads) > 1,
	}
	if res.Ambiguous {
		r.logAmbiguous(rec, tier, "lead", lead.ID, len(leads))
	}
	return res
}

// contactResult picks a contact and then looks at its open leads: one with
// an empty or equal reception-id field becomes a lead-level match.
func (r *Resolver) contactResult(ctx context.Context, rec model.Reception, contacts []amocrm.Contact, tier model.Tier) (model.SearchResult, error) {
	contact := PickMostRecentContact(contacts)
	if len(contacts) > 1 {
		r.logAmbiguous(rec, tier, "contact", contact.ID, len(contacts))
	}

	res := model.SearchResult{
		ContactID:  contact.ID,
		Tier:       tier,
		Candidates: len(contacts),
		Ambiguous:  len(contacts) > 1,
	}

	ids := contact.LeadIDs()
	if len(ids) == 0 {
		return res, nil
	}
	linked, err := r.crm.GetLeads(ctx, ids)
	if err != nil {
		return model.SearchResult{}, eris.Wrapf(err, "read leads of contact %d", contact.ID)
	}

	receptionField := r.fields.LeadFieldID(fieldmap.LeadReceptionID)
	want := strconv.FormatInt(rec.ID, 10)
	var usable []amocrm.Lead
	for _, l := range r.open(linked) {
		linkedTo := amocrm.FieldString(l.CustomFields, receptionField)
		if linkedTo == "" || (rec.ID != 0 && linkedTo == want) {
			usable = append(usable, l)
		}
	}
	if len(usable) == 0 {
		return res, nil
	}

	lead := PickMostRecentLead(usable)
	if len(usable) > 1 {
		r.logAmbiguous(rec, tier, "lead", lead.ID, len(usable))
	}
	return model.SearchResult{
		LeadID:     lead.ID,
		PipelineID: lead.PipelineID,
		StatusID:   lead.StatusID,
		Tier:       tier,
		Candidates: len(usable),
		Ambiguous:  res.Ambiguous || len(usable) > 1,
	}, nil
}

func (r *Resolver) logAmbiguous(rec model.Reception, tier model.Tier, entity string, chosen, candidates int) {
	r.log.Warn("ambiguous match, picked most recent",
		zap.String("reception", rec.Key()),
		zap.String("tier", tier.String()),
		zap.String("entity", entity),
		zap.Int("chosen", chosen),
		zap.Int("candidates", candidates),
		zap.String("kind", string(model.ErrAmbiguousMatch)),
	)
}

// PickMostRecentLead returns the lead with the latest updated_at; ties go
// to the highest id. leads must not be empty.
func PickMostRecentLead(leads []amocrm.Lead) amocrm.Lead {
	best := leads[0]
	for _, l := range leads[1:] {
		if l.UpdatedAt > best.UpdatedAt || (l.UpdatedAt == best.UpdatedAt && l.ID > best.ID) {
			best = l
		}
	}
	return best
}

// PickMostRecentContact is PickMostRecentLead for contacts.
func PickMostRecentContact(contacts []amocrm.Contact) amocrm.Contact {
	best := contacts[0]
	for _, c := range contacts[1:] {
		if c.UpdatedAt > best.UpdatedAt || (c.UpdatedAt == best.UpdatedAt && c.ID > best.ID) {
			best = c
		}
	}
	return best
}
