package amocrm

import (
	"context"
	"slices"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
)

// PhoneFieldCode is the code of amoCRM's built-in contact phone field.
const PhoneFieldCode = "PHONE"

// LeadFilter narrows a lead search to exact custom-field matches. The API's
// query parameter is a fuzzy full-text search, so results are re-checked
// here.
type LeadFilter struct {
	FieldID          int
	Value            string
	PipelineIDs      []int
	ExcludedStatuses []int
	// EmptyFieldID, when set, keeps only leads whose field is unset or blank.
	EmptyFieldID int
}

// Match reports whether lead satisfies the filter.
func (f LeadFilter) Match(lead Lead) bool {
	if len(f.PipelineIDs) > 0 && !slices.Contains(f.PipelineIDs, lead.PipelineID) {
		return false
	}
	if slices.Contains(f.ExcludedStatuses, lead.StatusID) {
		return false
	}
	if f.FieldID != 0 {
		field, ok := FieldByID(lead.CustomFields, f.FieldID)
		if !ok || !hasValue(field, f.Value) {
			return false
		}
	}
	if f.EmptyFieldID != 0 {
		if field, ok := FieldByID(lead.CustomFields, f.EmptyFieldID); ok && !field.Empty() {
			return false
		}
	}
	return true
}

// FindLeads returns every lead matching f exactly.
func FindLeads(ctx context.Context, c Client, f LeadFilter) ([]Lead, error) {
	value := strings.TrimSpace(f.Value)
	if f.FieldID != 0 && value == "" {
		return nil, nil
	}
	leads, err := c.ListLeads(ctx, LeadQuery{Query: value, PipelineIDs: f.PipelineIDs, WithContact: true})
	if err != nil {
		return nil, eris.Wrapf(err, "amocrm: find leads by field %d", f.FieldID)
	}
	var out []Lead
	for _, l := range leads {
		if f.Match(l) {
			out = append(out, l)
		}
	}
	return out, nil
}

// FindContactsByPhone returns contacts with a phone equal to phone after
// normalisation. phoneFieldID of 0 matches the built-in PHONE field.
func FindContactsByPhone(ctx context.Context, c Client, phone string, phoneFieldID int) ([]Contact, error) {
	want := NormalizePhone(phone)
	if want == "" {
		return nil, nil
	}
	// Searching by the trailing ten digits matches regardless of how the
	// country prefix was stored.
	q := want
	if len(q) > 10 {
		q = q[len(q)-10:]
	}
	contacts, err := c.ListContacts(ctx, ContactQuery{Query: q, WithLeads: true})
	if err != nil {
		return nil, eris.Wrap(err, "amocrm: find contacts by phone")
	}
	var out []Contact
	for _, ct := range contacts {
		if contactHasPhone(ct, want, phoneFieldID) {
			out = append(out, ct)
		}
	}
	return out, nil
}

// FindContactsByField returns contacts whose custom field equals value.
func FindContactsByField(ctx context.Context, c Client, fieldID int, value string) ([]Contact, error) {
	value = strings.TrimSpace(value)
	if fieldID == 0 || value == "" {
		return nil, nil
	}
	contacts, err := c.ListContacts(ctx, ContactQuery{Query: value, WithLeads: true})
	if err != nil {
		return nil, eris.Wrapf(err, "amocrm: find contacts by field %d", fieldID)
	}
	var out []Contact
	for _, ct := range contacts {
		if f, ok := FieldByID(ct.CustomFields, fieldID); ok && hasValue(f, value) {
			out = append(out, ct)
		}
	}
	return out, nil
}

// NormalizePhone keeps digits only and rewrites the Russian trunk prefix:
// an 11-digit number starting with 8 becomes 7.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if len(d) == 11 && d[0] == '8' {
		d = "7" + d[1:]
	}
	return d
}

func contactHasPhone(ct Contact, want string, fieldID int) bool {
	for _, f := range ct.CustomFields {
		if fieldID != 0 && f.FieldID != fieldID {
			continue
		}
		if fieldID == 0 && !strings.EqualFold(f.FieldCode, PhoneFieldCode) {
			continue
		}
		for _, v := range f.Values {
			if NormalizePhone(v.String()) == want {
				return true
			}
		}
	}
	return false
}

func hasValue(f CustomField, want string) bool {
	for _, v := range f.Values {
		if strings.EqualFold(strings.TrimSpace(v.String()), want) {
			return true
		}
	}
	return false
}
