// Package fieldmap maps logical record fields to amoCRM custom fields and
// formats values for each field kind.
package fieldmap

import (
	"fmt"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ident-sync/internal/config"
	"github.com/sells-group/ident-sync/pkg/amocrm"
)

// Kind is the amoCRM field type a value is formatted for.
type Kind string

const (
	KindString   Kind = "string"
	KindNumber   Kind = "number"
	KindDate     Kind = "date"
	KindSelect   Kind = "select"
	KindCheckbox Kind = "checkbox"
)

func (k Kind) valid() bool {
	switch k {
	case KindString, KindNumber, KindDate, KindSelect, KindCheckbox:
		return true
	}
	return false
}

// Logical lead fields.
const (
	LeadReceptionID   = "reception_id"
	LeadPatientNumber = "patient_number"
	LeadPatientID     = "patient_id"
	LeadVisitAt       = "visit_at"
	LeadDoctor        = "doctor"
	LeadService       = "service"
	LeadCost          = "cost"
	LeadStatus        = "status"
	LeadDuration      = "duration"
	LeadComment       = "comment"
	LeadBranch        = "branch"
	LeadFunnel        = "funnel"
)

// Logical contact fields.
const (
	ContactPhone         = "phone"
	ContactEmail         = "email"
	ContactPatientID     = "patient_id"
	ContactPatientNumber = "patient_number"
	ContactBirthday      = "birthday"
	ContactGender        = "gender"
	ContactCardNumber    = "card_number"
	ContactBranch        = "branch"
	ContactComment       = "comment"
)

// Spec describes one mapped field.
type Spec struct {
	Name     string
	ID       int
	Code     string
	Kind     Kind
	EnumCode string
	Enums    map[string]int
}

// ConfigError reports an unusable mapping. It is fatal for a run.
type ConfigError struct {
	Entity string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("fieldmap: %s.%s: %s", e.Entity, e.Field, e.Reason)
}

// Mapping is the validated field table.
type Mapping struct {
	lead    map[string]Spec
	contact map[string]Spec
}

var (
	requiredLead    = []string{LeadReceptionID, LeadPatientNumber}
	requiredContact = []string{ContactPatientID}
)

// New builds a Mapping from configuration, reading cfg.File when set.
// Entries in the file override inline entries of the same name.
func New(cfg config.FieldsConfig) (*Mapping, error) {
	lead := copyTable(cfg.Lead)
	contact := copyTable(cfg.Contact)

	if cfg.File != "" {
		data, err := os.ReadFile(cfg.File)
		if err != nil {
			return nil, eris.Wrapf(err, "fieldmap: read %s", cfg.File)
		}
		var fromFile config.FieldsConfig
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return nil, eris.Wrapf(err, "fieldmap: parse %s", cfg.File)
		}
		for k, v := range fromFile.Lead {
			lead[k] = v
		}
		for k, v := range fromFile.Contact {
			contact[k] = v
		}
	}

	if _, ok := contact[ContactPhone]; !ok {
		contact[ContactPhone] = config.FieldConfig{Code: amocrm.PhoneFieldCode, Kind: string(KindString), EnumCode: "MOB"}
	}
	if _, ok := contact[ContactEmail]; !ok {
		contact[ContactEmail] = config.FieldConfig{Code: "EMAIL", Kind: string(KindString), EnumCode: "WORK"}
	}

	m := &Mapping{}
	var err error
	if m.lead, err = buildTable("lead", lead, requiredLead); err != nil {
		return nil, err
	}
	if m.contact, err = buildTable("contact", contact, requiredContact); err != nil {
		return nil, err
	}
	return m, nil
}

func copyTable(in map[string]config.FieldConfig) map[string]config.FieldConfig {
	out := make(map[string]config.FieldConfig, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func buildTable(entity string, in map[string]config.FieldConfig, required []string) (map[string]Spec, error) {
	out := make(map[string]Spec, len(in))
	names := make([]string, 0, len(in))
	for name := range in {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fc := in[name]
		spec := Spec{Name: name, ID: fc.ID, Code: fc.Code, Kind: Kind(fc.Kind), EnumCode: fc.EnumCode, Enums: fc.Enums}
		if spec.Kind == "" {
			spec.Kind = KindString
		}
		if !spec.Kind.valid() {
			return nil, &ConfigError{Entity: entity, Field: name, Reason: fmt.Sprintf("unknown kind %q", fc.Kind)}
		}
		if spec.ID == 0 && spec.Code == "" {
			return nil, &ConfigError{Entity: entity, Field: name, Reason: "needs an id or a code"}
		}
		if spec.Kind == KindSelect && len(spec.Enums) == 0 {
			return nil, &ConfigError{Entity: entity, Field: name, Reason: "select field has no enums"}
		}
		out[name] = spec
	}

	for _, name := range required {
		spec, ok := out[name]
		if !ok {
			return nil, &ConfigError{Entity: entity, Field: name, Reason: "required field is not mapped"}
		}
		// Search compares by field id.
		if spec.ID == 0 {
			return nil, &ConfigError{Entity: entity, Field: name, Reason: "required field needs a numeric id"}
		}
	}
	return out, nil
}

// Lead returns the lead field spec for name.
func (m *Mapping) Lead(name string) (Spec, bool) {
	s, ok := m.lead[name]
	return s, ok
}

// Contact returns the contact field spec for name.
func (m *Mapping) Contact(name string) (Spec, bool) {
	s, ok := m.contact[name]
	return s, ok
}

// LeadFieldID returns the id of a lead field, or 0 when it is unmapped or
// mapped by code only.
func (m *Mapping) LeadFieldID(name string) int {
	return m.lead[name].ID
}

// ContactFieldID is LeadFieldID for contacts.
func (m *Mapping) ContactFieldID(name string) int {
	return m.contact[name].ID
}

// LeadBuilder starts a payload of lead custom fields.
func (m *Mapping) LeadBuilder() *Builder {
	return &Builder{entity: "lead", specs: m.lead}
}

// ContactBuilder starts a payload of contact custom fields.
func (m *Mapping) ContactBuilder() *Builder {
	return &Builder{entity: "contact", specs: m.contact}
}
