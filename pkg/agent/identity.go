package agent

import (
	"errors"
	"strings"
)

var (
	ErrMissingPatientID = errors.New("missing patient id")
	ErrMissingPairID    = errors.New("missing pair id")
	ErrEmptyMessage     = errors.New("empty message")
)

// PatientIdentity names who a run acts for and where replies go.
type PatientIdentity struct {
	PatientID string
	PairID    string
	Channel   string
	ChatID    string
}

func (id PatientIdentity) Validate() error {
	if strings.TrimSpace(id.PatientID) == "" {
		return ErrMissingPatientID
	}
	if strings.TrimSpace(id.PairID) == "" {
		return ErrMissingPairID
	}
	return nil
}

// Key is the normalized patient key used for locking and memory.
func (id PatientIdentity) Key() string {
	return strings.TrimSpace(id.PatientID)
}

func (id PatientIdentity) normalized() PatientIdentity {
	return PatientIdentity{
		PatientID: strings.TrimSpace(id.PatientID),
		PairID:    strings.TrimSpace(id.PairID),
		Channel:   strings.TrimSpace(id.Channel),
		ChatID:    strings.TrimSpace(id.ChatID),
	}
}
