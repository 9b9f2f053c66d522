package crmsync

import (
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/ident-sync/internal/fieldmap"
	"github.com/sells-group/ident-sync/internal/model"
	"github.com/sells-group/ident-sync/pkg/amocrm"
)

// DefaultLeadName is used when no template is configured.
const DefaultLeadName = "{service} {date}"

// Payloads turns source records into amoCRM entities.
type Payloads struct {
	fields   *fieldmap.Mapping
	template string
	loc      *time.Location
	title    cases.Caser
}

// NewPayloads creates a Payloads. Visit times in lead names are shown in loc.
func NewPayloads(fields *fieldmap.Mapping, leadNameTemplate string, loc *time.Location) *Payloads {
	if leadNameTemplate == "" {
		leadNameTemplate = DefaultLeadName
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Payloads{
		fields:   fields,
		template: leadNameTemplate,
		loc:      loc,
		title:    cases.Title(language.Russian),
	}
}

// Contact builds a new contact for p.
func (b *Payloads) Contact(p *model.Patient) (amocrm.Contact, error) {
	surname := b.name(p.Surname)
	first := b.name(p.Name)
	patronymic := b.name(p.Patronymic)

	full := strings.Join(nonEmpty(surname, first, patronymic), " ")
	if full == "" {
		full = p.FullName()
	}

	gender := ""
	if p.Gender != model.GenderUnknown {
		gender = p.Gender.String()
	}

	fields, err := b.fields.ContactBuilder().
		Set(fieldmap.ContactPhone, p.PrimaryPhone()).
		Set(fieldmap.ContactEmail, p.Email).
		Set(fieldmap.ContactPatientID, p.ID).
		Set(fieldmap.ContactPatientNumber, p.Number).
		Set(fieldmap.ContactBirthday, p.Birthday).
		Set(fieldmap.ContactGender, gender).
		Set(fieldmap.ContactCardNumber, p.CardNumber).
		Set(fieldmap.ContactBranch, p.Branch).
		Set(fieldmap.ContactComment, p.Comment).
		Fields()
	if err != nil {
		return amocrm.Contact{}, err
	}

	return amocrm.Contact{
		Name:         full,
		FirstName:    strings.Join(nonEmpty(first, patronymic), " "),
		LastName:     surname,
		CustomFields: fields,
	}, nil
}

// Lead builds the lead payload for rec. Pipeline, stage and contact links
// are left to the coordinator.
func (b *Payloads) Lead(rec model.Reception, funnel model.Funnel) (amocrm.Lead, error) {
	lb := b.fields.LeadBuilder()
	if rec.ID != 0 {
		lb.Set(fieldmap.LeadReceptionID, rec.ID)
	}
	lb.Set(fieldmap.LeadPatientID, rec.PatientID).
		Set(fieldmap.LeadVisitAt, rec.At).
		Set(fieldmap.LeadDoctor, rec.DoctorName).
		Set(fieldmap.LeadService, rec.ServiceName).
		Set(fieldmap.LeadStatus, string(rec.Status)).
		Set(fieldmap.LeadComment, rec.Comment)
	if rec.Cost != nil {
		lb.Set(fieldmap.LeadCost, *rec.Cost)
	}
	if rec.DurationMin > 0 {
		lb.Set(fieldmap.LeadDuration, rec.DurationMin)
	}
	if rec.Patient != nil {
		lb.Set(fieldmap.LeadPatientNumber, rec.Patient.Number).
			Set(fieldmap.LeadBranch, rec.Patient.Branch)
	}
	if funnel != 0 {
		lb.Set(fieldmap.LeadFunnel, funnel.String())
	}
	fields, err := lb.Fields()
	if err != nil {
		return amocrm.Lead{}, err
	}

	lead := amocrm.Lead{Name: b.leadName(rec), CustomFields: fields}
	if rec.Cost != nil {
		price := int(math.Round(*rec.Cost))
		lead.Price = &price
	}
	return lead, nil
}

func (b *Payloads) leadName(rec model.Reception) string {
	service := strings.TrimSpace(rec.ServiceName)
	if service == "" {
		service = "Приём"
	}
	date := ""
	if !rec.At.IsZero() {
		date = rec.At.In(b.loc).Format("02.01.2006 15:04")
	}
	patient := ""
	if rec.Patient != nil {
		patient = rec.Patient.FullName()
	}
	name := strings.NewReplacer(
		"{service}", service,
		"{date}", date,
		"{patient}", patient,
		"{doctor}", strings.TrimSpace(rec.DoctorName),
		"{id}", strconv.FormatInt(rec.ID, 10),
	).Replace(b.template)
	return strings.Join(strings.Fields(name), " ")
}

// name normalises IDENT's mixed-case names ("ИВАНОВА", "иванова").
func (b *Payloads) name(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return b.title.String(strings.ToLower(s))
}

func nonEmpty(parts ...string) []string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
