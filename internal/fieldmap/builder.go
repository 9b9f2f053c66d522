package fieldmap

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sells-group/ident-sync/pkg/amocrm"
)

// Builder accumulates custom field values. Unmapped names and empty values
// are skipped; the first formatting error is kept and returned by Fields.
type Builder struct {
	entity string
	specs  map[string]Spec
	fields []amocrm.CustomField
	err    error
}

// Set formats v for the named field.
func (b *Builder) Set(name string, v any) *Builder {
	if b.err != nil {
		return b
	}
	spec, ok := b.specs[name]
	if !ok {
		return b
	}
	val, ok, err := format(spec, v)
	if err != nil {
		b.err = &ConfigError{Entity: b.entity, Field: name, Reason: err.Error()}
		return b
	}
	if !ok {
		return b
	}
	b.fields = append(b.fields, amocrm.CustomField{
		FieldID:   spec.ID,
		FieldCode: codeIfNoID(spec),
		Values:    []amocrm.FieldValue{val},
	})
	return b
}

// Fields returns the accumulated values.
func (b *Builder) Fields() ([]amocrm.CustomField, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.fields, nil
}

func codeIfNoID(s Spec) string {
	if s.ID != 0 {
		return ""
	}
	return s.Code
}

// format returns ok=false for values that should not be written.
func format(spec Spec, v any) (amocrm.FieldValue, bool, error) {
	switch spec.Kind {
	case KindString:
		s := strings.TrimSpace(stringOf(v))
		if s == "" {
			return amocrm.FieldValue{}, false, nil
		}
		return amocrm.FieldValue{Value: s, EnumCode: spec.EnumCode}, true, nil

	case KindNumber:
		n, ok := numberOf(v)
		if !ok {
			return amocrm.FieldValue{}, false, nil
		}
		return amocrm.FieldValue{Value: n}, true, nil

	case KindDate:
		t, ok := timeOf(v)
		if !ok {
			return amocrm.FieldValue{}, false, nil
		}
		return amocrm.FieldValue{Value: t.Unix()}, true, nil

	case KindSelect:
		key := strings.TrimSpace(stringOf(v))
		if key == "" {
			return amocrm.FieldValue{}, false, nil
		}
		id, ok := spec.Enums[key]
		if !ok {
			return amocrm.FieldValue{}, false, fmt.Errorf("no enum for value %q", key)
		}
		return amocrm.FieldValue{EnumID: id}, true, nil

	case KindCheckbox:
		b, ok := v.(bool)
		if !ok {
			return amocrm.FieldValue{}, false, nil
		}
		return amocrm.FieldValue{Value: b}, true, nil
	}
	return amocrm.FieldValue{}, false, fmt.Errorf("unknown kind %q", spec.Kind)
}

func stringOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case *string:
		if x == nil {
			return ""
		}
		return *x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func numberOf(v any) (any, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return x, true
	case float64:
		if x == math.Trunc(x) {
			return int64(x), true
		}
		return x, true
	case *float64:
		if x == nil {
			return nil, false
		}
		return numberOf(*x)
	}
	return nil, false
}

func timeOf(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, !x.IsZero()
	case *time.Time:
		if x == nil || x.IsZero() {
			return time.Time{}, false
		}
		return *x, true
	}
	return time.Time{}, false
}
