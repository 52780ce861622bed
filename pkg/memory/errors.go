package memory

import "errors"

var (
	ErrInvalidRole      = errors.New("memory: role must be user or assistant")
	ErrMissingPatientID = errors.New("memory: patient id is required")
)
