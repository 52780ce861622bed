package memory

import (
	"fmt"
	"strings"
	"sync"
)

const DefaultCapacity = 10

type patientLog struct {
	mu      sync.Mutex
	entries []Entry
}

// Store holds a bounded, FIFO-evicting conversation log per patient for the
// lifetime of the process. It is safe for concurrent use; appends for one
// patient never block reads or appends for another.
type Store struct {
	capacity int

	mu   sync.RWMutex
	logs map[string]*patientLog
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		logs:     make(map[string]*patientLog),
	}
}

func (s *Store) Capacity() int {
	return s.capacity
}

// logFor returns the patient's log, creating it on first use.
func (s *Store) logFor(patientID string) *patientLog {
	s.mu.RLock()
	l, ok := s.logs[patientID]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.logs[patientID]; ok {
		return l
	}
	l = &patientLog{entries: make([]Entry, 0, s.capacity)}
	s.logs[patientID] = l
	return l
}

// History returns a copy of the patient's entries, oldest first. Unknown
// patients get an empty, initialized log.
func (s *Store) History(patientID string) []Entry {
	patientID = strings.TrimSpace(patientID)
	l := s.logFor(patientID)
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Append adds one entry, evicting the oldest entries beyond capacity.
func (s *Store) Append(patientID string, role Role, content string) error {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return ErrMissingPatientID
	}
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	l := s.logFor(patientID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{Role: role, Content: content})
	if over := len(l.entries) - s.capacity; over > 0 {
		kept := make([]Entry, s.capacity)
		copy(kept, l.entries[over:])
		l.entries = kept
	}
	return nil
}

// AppendTurn records a user message and the assistant's reply together,
// so readers never observe half a turn.
func (s *Store) AppendTurn(patientID, userText, reply string) error {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return ErrMissingPatientID
	}
	l := s.logFor(patientID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries,
		Entry{Role: RoleUser, Content: userText},
		Entry{Role: RoleAssistant, Content: reply},
	)
	if over := len(l.entries) - s.capacity; over > 0 {
		kept := make([]Entry, s.capacity)
		copy(kept, l.entries[over:])
		l.entries = kept
	}
	return nil
}

func (s *Store) Clear(patientID string) {
	patientID = strings.TrimSpace(patientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, patientID)
}

// Patients returns the number of patients with a log.
func (s *Store) Patients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}
