package amocrm

import (
	"fmt"
	"strconv"
	"strings"
)

// FieldValue is one value of a custom field. Value holds a string, a JSON
// number (float64 once decoded), or a bool.
type FieldValue struct {
	Value    any    `json:"value,omitempty"`
	EnumID   int    `json:"enum_id,omitempty"`
	EnumCode string `json:"enum_code,omitempty"`
}

// String renders the value the way amoCRM compares it: integers without a
// fractional part.
func (v FieldValue) String() string {
	switch x := v.Value.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(x)
	}
}

// CustomField is an entry of custom_fields_values.
type CustomField struct {
	FieldID   int          `json:"field_id,omitempty"`
	FieldCode string       `json:"field_code,omitempty"`
	Values    []FieldValue `json:"values"`
}

// Empty reports whether the field carries no non-blank value.
func (f CustomField) Empty() bool {
	for _, v := range f.Values {
		if strings.TrimSpace(v.String()) != "" {
			return false
		}
	}
	return true
}

// EntityRef links one entity to another in _embedded.
type EntityRef struct {
	ID     int  `json:"id"`
	IsMain bool `json:"is_main,omitempty"`
}

// LeadEmbedded is the _embedded block of a lead.
type LeadEmbedded struct {
	Contacts []EntityRef `json:"contacts,omitempty"`
}

// Lead is an amoCRM deal.
type Lead struct {
	ID           int           `json:"id,omitempty"`
	Name         string        `json:"name,omitempty"`
	Price        *int          `json:"price,omitempty"`
	PipelineID   int           `json:"pipeline_id,omitempty"`
	StatusID     int           `json:"status_id,omitempty"`
	UpdatedAt    int64         `json:"updated_at,omitempty"`
	ClosedAt     *int64        `json:"closed_at,omitempty"`
	CustomFields []CustomField `json:"custom_fields_values,omitempty"`
	Embedded     *LeadEmbedded `json:"_embedded,omitempty"`
}

// ContactEmbedded is the _embedded block of a contact.
type ContactEmbedded struct {
	Leads []EntityRef `json:"leads,omitempty"`
}

// Contact is an amoCRM contact.
type Contact struct {
	ID           int              `json:"id,omitempty"`
	Name         string           `json:"name,omitempty"`
	FirstName    string           `json:"first_name,omitempty"`
	LastName     string           `json:"last_name,omitempty"`
	UpdatedAt    int64            `json:"updated_at,omitempty"`
	CustomFields []CustomField    `json:"custom_fields_values,omitempty"`
	Embedded     *ContactEmbedded `json:"_embedded,omitempty"`
}

// LeadIDs returns the ids of the leads linked to the contact.
func (c Contact) LeadIDs() []int {
	if c.Embedded == nil {
		return nil
	}
	ids := make([]int, 0, len(c.Embedded.Leads))
	for _, l := range c.Embedded.Leads {
		ids = append(ids, l.ID)
	}
	return ids
}

// Account is the subset of GET /api/v4/account used for connectivity checks.
type Account struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Subdomain string `json:"subdomain"`
	Country   string `json:"country,omitempty"`
	Currency  string `json:"currency,omitempty"`
}

// LeadQuery filters GET /api/v4/leads.
type LeadQuery struct {
	Query       string
	PipelineIDs []int
	WithContact bool
}

// ContactQuery filters GET /api/v4/contacts.
type ContactQuery struct {
	Query     string
	WithLeads bool
}

// FieldByID returns the custom field with the given id.
func FieldByID(fields []CustomField, id int) (CustomField, bool) {
	for _, f := range fields {
		if f.FieldID == id {
			return f, true
		}
	}
	return CustomField{}, false
}

// FieldByCode returns the custom field with the given code.
func FieldByCode(fields []CustomField, code string) (CustomField, bool) {
	for _, f := range fields {
		if f.FieldCode != "" && strings.EqualFold(f.FieldCode, code) {
			return f, true
		}
	}
	return CustomField{}, false
}

// FieldString returns the first value of field id as a string.
func FieldString(fields []CustomField, id int) string {
	f, ok := FieldByID(fields, id)
	if !ok || len(f.Values) == 0 {
		return ""
	}
	return strings.TrimSpace(f.Values[0].String())
}

type page[T any] struct {
	Page  int `json:"_page"`
	Links struct {
		Next *struct {
			Href string `json:"href"`
		} `json:"next,omitempty"`
	} `json:"_links"`
	Embedded T `json:"_embedded"`
}

type leadsEmbedded struct {
	Leads []Lead `json:"leads"`
}

type contactsEmbedded struct {
	Contacts []Contact `json:"contacts"`
}
