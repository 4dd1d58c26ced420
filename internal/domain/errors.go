package domain

import (
	"errors"
	"fmt"
	"strings"

	"retratai/internal/retry"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrDuplicateOperation      = errors.New("duplicate operation")
	ErrValidationFailed        = errors.New("validation failed")
	ErrAuthenticationRequired  = errors.New("authentication required")
	ErrCaptionGenerationFailed = errors.New("caption generation failed")
	ErrUploadFailed            = errors.New("upload failed")
	ErrModelCreationFailed     = errors.New("model creation failed")
	ErrTrainingStartFailed     = errors.New("training start failed")
	ErrPersistenceInsertFailed = errors.New("persistence insert failed")
	ErrCanceled                = errors.New("canceled")
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects field problems. It matches ErrValidationFailed.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidationFailed.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("%s: %s", ErrValidationFailed, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Add records a problem with field.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns e when at least one field was rejected, nil otherwise.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

var errorKinds = []struct {
	err  error
	name string
}{
	{ErrValidationFailed, "ValidationFailed"},
	{ErrAuthenticationRequired, "AuthenticationRequired"},
	{ErrCaptionGenerationFailed, "CaptionGenerationFailed"},
	{ErrUploadFailed, "UploadFailed"},
	{ErrModelCreationFailed, "ModelCreationFailed"},
	{ErrTrainingStartFailed, "TrainingStartFailed"},
	{ErrPersistenceInsertFailed, "PersistenceInsertFailed"},
	{ErrDuplicateOperation, "DuplicateOperation"},
	{ErrNotFound, "NotFound"},
	{ErrCanceled, "Canceled"},
}

// ErrorKind names the failure class of err. Errors that carry no known
// class but exhausted a retry loop report OperationFailed; anything else
// reports Internal.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	if errors.Is(err, retry.ErrOperationFailed) {
		return "OperationFailed"
	}
	return "Internal"
}
