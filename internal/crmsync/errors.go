package crmsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sells-group/ident-sync/internal/fieldmap"
	"github.com/sells-group/ident-sync/internal/model"
	"github.com/sells-group/ident-sync/internal/resilience"
	"github.com/sells-group/ident-sync/internal/source"
	"github.com/sells-group/ident-sync/pkg/amocrm"
)

// ErrorKind classifies sync failures.
type ErrorKind = model.ErrorKind

// ErrRunInProgress is returned when Run is called while a run is active.
var ErrRunInProgress = errors.New("crmsync: a sync run is already in progress")

// RecordError is a per-record failure with enough context to re-drive it.
type RecordError struct {
	Entity   string
	RecordID string
	Kind     ErrorKind
	Err      error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("crmsync: %s %s: %s: %v", e.Entity, e.RecordID, e.Kind, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

func recordError(entity, id string, err error) *RecordError {
	return &RecordError{Entity: entity, RecordID: id, Kind: Classify(err), Err: err}
}

// Classify maps an error from any collaborator to a sync error kind.
// Server errors that survived retries stay per-record; an unreachable
// destination shows up as transport errors or an open circuit.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var recErr *RecordError
	if errors.As(err, &recErr) {
		return recErr.Kind
	}
	var cfgErr *fieldmap.ConfigError
	if errors.As(err, &cfgErr) {
		return model.ErrFatalConfig
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return model.ErrTransport
	}
	if kind, ok := amocrm.KindOf(err); ok {
		switch kind {
		case amocrm.KindAuth:
			return model.ErrAuthExpired
		case amocrm.KindRateLimited:
			return model.ErrRateLimited
		case amocrm.KindValidation:
			return model.ErrRemoteValidation
		case amocrm.KindNotFound:
			return model.ErrNotFound
		case amocrm.KindTransport:
			return model.ErrTransport
		default:
			return model.ErrInternal
		}
	}
	if errors.Is(err, source.ErrNotFound) {
		return model.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrTransport
	}
	return model.ErrInternal
}

// IsRunFatal reports whether kind stops the remaining records of a run.
func IsRunFatal(kind ErrorKind) bool {
	return kind.RunFatal()
}
