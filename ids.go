package fieldsync

import (
	"strings"

	"github.com/google/uuid"
)

// Identifier prefixes for locally generated records.
const (
	TempIDPrefix       = "offline_"
	AttachmentIDPrefix = "att_"
	OperationIDPrefix  = "op_"
)

// newID returns prefix followed by a time-ordered UUID, so ids sort in
// creation order.
func newID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return prefix + uuid.NewString()
	}
	return prefix + id.String()
}

// IsTempID reports whether id was generated offline and has no server identity yet.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
