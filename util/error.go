package util

import (
	"errors"
	"fmt"
	"maps"

	"github.com/sirupsen/logrus"
)

// Fielder is implemented by errors that carry structured context, like the
// queue and head index of a ring protocol violation.
type Fielder interface {
	Fields() map[string]any
}

type ContextualError struct {
	RealError error
	Fields    map[string]any
	Context   string
}

func NewContextualError(msg string, fields map[string]any, realError error) *ContextualError {
	return &ContextualError{Context: msg, Fields: fields, RealError: realError}
}

// ContextualizeIfNeeded turns an error into a ContextualError if it is not already one. Fields carried by any error in
// the chain that implements Fielder are lifted into the ContextualError.
func ContextualizeIfNeeded(msg string, err error) error {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return err
	}

	var f Fielder
	if errors.As(err, &f) {
		return NewContextualError(msg, maps.Clone(f.Fields()), err)
	}

	return NewContextualError(msg, nil, err)
}

// LogWithContextIfNeeded is a helper function to log an error line for an error or ContextualError
func LogWithContextIfNeeded(msg string, err error, l *logrus.Logger) {
	var ce *ContextualError
	if errors.As(err, &ce) {
		ce.Log(l)
		return
	}

	var f Fielder
	if errors.As(err, &f) {
		l.WithFields(f.Fields()).WithError(err).Error(msg)
		return
	}

	l.WithError(err).Error(msg)
}

func (ce *ContextualError) Error() string {
	if ce.RealError == nil {
		return ce.Context
	}
	return fmt.Errorf("%s (%v): %w", ce.Context, ce.Fields, ce.RealError).Error()
}

func (ce *ContextualError) Unwrap() error {
	if ce.RealError == nil {
		return errors.New(ce.Context)
	}
	return ce.RealError
}

func (ce *ContextualError) Log(lr *logrus.Logger) {
	if ce.RealError != nil {
		lr.WithFields(ce.Fields).WithError(ce.RealError).Error(ce.Context)
	} else {
		lr.WithFields(ce.Fields).Error(ce.Context)
	}
}
