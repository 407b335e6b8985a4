package errors

import (
	"go.uber.org/multierr"
)

// MultiError collects per-responder errors for one request. It only grows.
type MultiError struct {
	errs []*SearchError
}

// NewMultiError creates an empty collector
func NewMultiError() *MultiError {
	return &MultiError{}
}

// Add appends an error, ignoring nil
func (m *MultiError) Add(err *SearchError) {
	if err == nil {
		return
	}
	m.errs = append(m.errs, err)
}

// AddAll appends every error collected by other
func (m *MultiError) AddAll(other *MultiError) {
	if other == nil {
		return
	}
	m.errs = append(m.errs, other.errs...)
}

// Len returns the number of collected errors
func (m *MultiError) Len() int {
	if m == nil {
		return 0
	}
	return len(m.errs)
}

// Errors returns the collected errors in insertion order
func (m *MultiError) Errors() []*SearchError {
	if m == nil {
		return nil
	}
	return m.errs
}

// Has reports whether any collected error carries code
func (m *MultiError) Has(code ErrorCode) bool {
	for _, e := range m.Errors() {
		if e.Code == code {
			return true
		}
	}
	return false
}

// First returns the first error with code, or nil
func (m *MultiError) First(code ErrorCode) *SearchError {
	for _, e := range m.Errors() {
		if e.Code == code {
			return e
		}
	}
	return nil
}

// Err folds the collection into a single error, nil when empty
func (m *MultiError) Err() error {
	var err error
	for _, e := range m.Errors() {
		err = multierr.Append(err, e)
	}
	return err
}
