package model

// ErrorKind classifies sync failures.
type ErrorKind string

const (
	ErrNotFound         ErrorKind = "not_found"
	ErrAmbiguousMatch   ErrorKind = "ambiguous_match"
	ErrAuthExpired      ErrorKind = "auth_expired"
	ErrRateLimited      ErrorKind = "rate_limited"
	ErrRemoteValidation ErrorKind = "remote_validation"
	ErrTransport        ErrorKind = "transport"
	ErrFatalConfig      ErrorKind = "fatal_config"
	ErrSource           ErrorKind = "source"
	ErrInternal         ErrorKind = "internal"
)

// RunFatal reports whether a failure of this kind means the destination cannot
// be worked with at all, so the remaining records of the run are not started.
func (k ErrorKind) RunFatal() bool {
	switch k {
	case ErrAuthExpired, ErrTransport, ErrFatalConfig:
		return true
	}
	return false
}
