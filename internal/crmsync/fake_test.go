package crmsync

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/sells-group/ident-sync/internal/config"
	"github.com/sells-group/ident-sync/internal/fieldmap"
	"github.com/sells-group/ident-sync/internal/model"
	"github.com/sells-group/ident-sync/internal/source"
	"github.com/sells-group/ident-sync/pkg/amocrm"
)

const (
	fReceptionID   = 1001
	fPatientNumber = 1002
	fLeadPatientID = 1003
	fVisitAt       = 1004
	fDoctor        = 1005
	fService       = 1006
	fCost          = 1007
	fStatus        = 1008
	fFunnel        = 1009

	fContactPatientID = 2001
	fContactNumber    = 2002
)

var testPipelines = Pipelines{
	Primary:   Pipeline{ID: 10, NewStage: 100, Excluded: []int{142, 143}},
	Secondary: Pipeline{ID: 20, NewStage: 200, Excluded: []int{142, 143}},
}

func testMapping() *fieldmap.Mapping {
	m, err := fieldmap.New(config.FieldsConfig{
		Lead: map[string]config.FieldConfig{
			fieldmap.LeadReceptionID:   {ID: fReceptionID, Kind: "number"},
			fieldmap.LeadPatientNumber: {ID: fPatientNumber},
			fieldmap.LeadPatientID:     {ID: fLeadPatientID, Kind: "number"},
			fieldmap.LeadVisitAt:       {ID: fVisitAt, Kind: "date"},
			fieldmap.LeadDoctor:        {ID: fDoctor},
			fieldmap.LeadService:       {ID: fService},
			fieldmap.LeadCost:          {ID: fCost, Kind: "number"},
			fieldmap.LeadStatus:        {ID: fStatus},
			fieldmap.LeadFunnel:        {ID: fFunnel},
		},
		Contact: map[string]config.FieldConfig{
			fieldmap.ContactPatientID:     {ID: fContactPatientID, Kind: "number"},
			fieldmap.ContactPatientNumber: {ID: fContactNumber},
		},
	})
	if err != nil {
		panic(err)
	}
	return m
}

// fakeCRM is an in-memory amoCRM account. List calls ignore the fuzzy
// query and return everything; the search helpers re-check exactly.
type fakeCRM struct {
	mu       sync.Mutex
	nextID   int
	clock    int64
	leads    map[int]amocrm.Lead
	contacts map[int]amocrm.Contact
	calls    map[string]int
	fail     map[string]error
	// hook runs before each call, outside the lock.
	hook func(method string)
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		nextID:   5000,
		clock:    1_700_000_000,
		leads:    make(map[int]amocrm.Lead),
		contacts: make(map[int]amocrm.Contact),
		calls:    make(map[string]int),
		fail:     make(map[string]error),
	}
}

func (f *fakeCRM) enter(method string) error {
	if f.hook != nil {
		f.hook(method)
	}
	f.mu.Lock()
	f.calls[method]++
	return f.fail[method]
}

func (f *fakeCRM) tick() int64 {
	f.clock++
	return f.clock
}

func (f *fakeCRM) id() int {
	f.nextID++
	return f.nextID
}

func (f *fakeCRM) ListLeads(_ context.Context, q amocrm.LeadQuery) ([]amocrm.Lead, error) {
	err := f.enter("ListLeads")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []amocrm.Lead
	for _, id := range f.sortedLeadIDs() {
		l := f.leads[id]
		if len(q.PipelineIDs) > 0 && !slices.Contains(q.PipelineIDs, l.PipelineID) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeCRM) GetLeads(_ context.Context, ids []int) ([]amocrm.Lead, error) {
	err := f.enter("GetLeads")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []amocrm.Lead
	for _, id := range ids {
		if l, ok := f.leads[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeCRM) ListContacts(_ context.Context, q amocrm.ContactQuery) ([]amocrm.Contact, error) {
	err := f.enter("ListContacts")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var ids []int
	for id := range f.contacts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	var out []amocrm.Contact
	for _, id := range ids {
		c := f.contacts[id]
		if q.WithLeads {
			c.Embedded = &amocrm.ContactEmbedded{}
			for _, lid := range f.sortedLeadIDs() {
				l := f.leads[lid]
				if l.Embedded == nil {
					continue
				}
				for _, ref := range l.Embedded.Contacts {
					if ref.ID == id {
						c.Embedded.Leads = append(c.Embedded.Leads, amocrm.EntityRef{ID: lid})
					}
				}
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeCRM) CreateContacts(_ context.Context, contacts []amocrm.Contact) ([]int, error) {
	err := f.enter("CreateContacts")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(contacts))
	for _, c := range contacts {
		c.ID = f.id()
		c.UpdatedAt = f.tick()
		f.contacts[c.ID] = c
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (f *fakeCRM) UpdateContact(_ context.Context, c amocrm.Contact) error {
	err := f.enter("UpdateContact")
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	cur := f.contacts[c.ID]
	if c.Name != "" {
		cur.Name = c.Name
	}
	cur.CustomFields = mergeFields(cur.CustomFields, c.CustomFields)
	cur.UpdatedAt = f.tick()
	f.contacts[c.ID] = cur
	return nil
}

func (f *fakeCRM) CreateLeads(_ context.Context, leads []amocrm.Lead) ([]int, error) {
	err := f.enter("CreateLeads")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(leads))
	for _, l := range leads {
		l.ID = f.id()
		l.UpdatedAt = f.tick()
		f.leads[l.ID] = l
		ids = append(ids, l.ID)
	}
	return ids, nil
}

func (f *fakeCRM) UpdateLead(_ context.Context, l amocrm.Lead) error {
	err := f.enter("UpdateLead")
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	cur := f.leads[l.ID]
	if l.Name != "" {
		cur.Name = l.Name
	}
	if l.Price != nil {
		cur.Price = l.Price
	}
	if l.PipelineID != 0 {
		cur.PipelineID = l.PipelineID
	}
	if l.StatusID != 0 {
		cur.StatusID = l.StatusID
	}
	cur.CustomFields = mergeFields(cur.CustomFields, l.CustomFields)
	cur.UpdatedAt = f.tick()
	f.leads[l.ID] = cur
	return nil
}

func (f *fakeCRM) Account(_ context.Context) (*amocrm.Account, error) {
	err := f.enter("Account")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &amocrm.Account{ID: 1, Name: "Clinic", Subdomain: "clinic"}, nil
}

func (f *fakeCRM) sortedLeadIDs() []int {
	ids := make([]int, 0, len(f.leads))
	for id := range f.leads {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// seedLead stores a lead as it would exist in the account.
func (f *fakeCRM) seedLead(l amocrm.Lead) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leads[l.ID] = l
}

func (f *fakeCRM) seedContact(c amocrm.Contact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts[c.ID] = c
}

func (f *fakeCRM) lead(id int) amocrm.Lead {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leads[id]
}

func (f *fakeCRM) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeCRM) failWith(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[method] = err
}

func (f *fakeCRM) allLeads() []amocrm.Lead {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]amocrm.Lead, 0, len(f.leads))
	for _, id := range f.sortedLeadIDs() {
		out = append(out, f.leads[id])
	}
	return out
}

func (f *fakeCRM) allContacts() []amocrm.Contact {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]amocrm.Contact, 0, len(f.contacts))
	for _, c := range f.contacts {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b amocrm.Contact) int { return a.ID - b.ID })
	return out
}

func mergeFields(cur, upd []amocrm.CustomField) []amocrm.CustomField {
	out := slices.Clone(cur)
	for _, u := range upd {
		replaced := false
		for i := range out {
			if (u.FieldID != 0 && out[i].FieldID == u.FieldID) || (u.FieldID == 0 && out[i].FieldCode == u.FieldCode) {
				out[i] = u
				replaced = true
			}
		}
		if !replaced {
			out = append(out, u)
		}
	}
	return out
}

func leadRef(contactID int) *amocrm.LeadEmbedded {
	return &amocrm.LeadEmbedded{Contacts: []amocrm.EntityRef{{ID: contactID, IsMain: true}}}
}

func numField(id int, v int64) amocrm.CustomField {
	return amocrm.CustomField{FieldID: id, Values: []amocrm.FieldValue{{Value: v}}}
}

func strField(id int, v string) amocrm.CustomField {
	return amocrm.CustomField{FieldID: id, Values: []amocrm.FieldValue{{Value: v}}}
}

func phoneField(v string) amocrm.CustomField {
	return amocrm.CustomField{FieldCode: amocrm.PhoneFieldCode, Values: []amocrm.FieldValue{{Value: v, EnumCode: "MOB"}}}
}

// fakeSource serves fixed records. Completed counts follow the real query:
// completed receptions of the patient other than the one asked about, plus
// history for visits outside the fetched set.
type fakeSource struct {
	mu         sync.Mutex
	patients   []model.Patient
	receptions []model.Reception
	history    map[int64]int
	err        error
	sinces     []*time.Time
}

var _ source.Source = (*fakeSource)(nil)

func (s *fakeSource) FetchPatients(_ context.Context, since *time.Time) ([]model.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []model.Patient
	for _, p := range s.patients {
		if since == nil || !p.LastModified.Before(*since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeSource) FetchReceptions(_ context.Context, since *time.Time) ([]model.Reception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinces = append(s.sinces, since)
	if s.err != nil {
		return nil, s.err
	}
	var out []model.Reception
	for _, r := range s.receptions {
		if since == nil || !r.LastModified.Before(*since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeSource) FetchReception(_ context.Context, id int64) (*model.Reception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.receptions {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, source.ErrNotFound
}

func (s *fakeSource) CompletedReceptionCount(_ context.Context, patientID, excluding int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.history[patientID]
	for _, r := range s.receptions {
		if r.PatientID == patientID && r.Status == model.ReceptionCompleted && r.ID != excluding {
			n++
		}
	}
	return n, nil
}

func (s *fakeSource) Ping(context.Context) error { return nil }
