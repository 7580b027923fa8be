package engine

import (
	"errors"
	"fmt"

	"castline/internal/engine/policy"
	"castline/internal/repo"
)

// FaultKind tags expected business failures so callers can map them without
// string matching.
type FaultKind string

const (
	KindNotFound     FaultKind = "not_found"
	KindValidation   FaultKind = "validation"
	KindPolicyDenied FaultKind = "policy_denied"
	KindPersistence  FaultKind = "persistence"
)

// Fault is the tagged error returned by workflow operations. Details carries
// batch-reported identifiers (missing catalog ids, unowned item ids).
type Fault struct {
	Kind    FaultKind
	Message string
	Details map[string]any
	cause   error
}

func (f *Fault) Error() string { return f.Message }

func (f *Fault) Unwrap() error { return f.cause }

func notFoundf(format string, args ...any) *Fault {
	return &Fault{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func validationf(details map[string]any, format string, args ...any) *Fault {
	return &Fault{Kind: KindValidation, Message: fmt.Sprintf(format, args...), Details: details}
}

func persistence(err error, op string) *Fault {
	return &Fault{Kind: KindPersistence, Message: op + ": " + err.Error(), cause: err}
}

// wrap translates collaborator errors into tagged faults. repo.ErrNotFound
// becomes a NotFound fault with the entity named; policy denials keep their
// message; anything else is a persistence failure.
func wrap(err error, entity, id string) error {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return err
	}
	if errors.Is(err, repo.ErrNotFound) {
		return notFoundf("%s %s not found", entity, id)
	}
	var denied policy.DeniedError
	if errors.As(err, &denied) {
		return &Fault{Kind: KindPolicyDenied, Message: denied.Error(), cause: err}
	}
	return persistence(err, entity)
}

// KindOf classifies any error surfaced by the engine.
func KindOf(err error) (FaultKind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	if errors.Is(err, repo.ErrNotFound) {
		return KindNotFound, true
	}
	var denied policy.DeniedError
	if errors.As(err, &denied) {
		return KindPolicyDenied, true
	}
	return "", false
}

// Details exposes the fault detail map when present.
func Details(err error) map[string]any {
	var f *Fault
	if errors.As(err, &f) {
		return f.Details
	}
	return nil
}
