// Package memory keeps each patient's recent conversation turns in process.
package memory

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Entry is one remembered turn.
type Entry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
