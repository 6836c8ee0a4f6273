package ports

import "github.com/TailGuy/opcbridge/internal/domain"

// TagSource is the read side of the tag registry, consumed by the session
// manager's reconciliation loop. Revision is monotone; a manager that sees
// the same revision twice may skip the diff entirely.
type TagSource interface {
	List() []domain.TagDefinition
	Revision() uint64
}
