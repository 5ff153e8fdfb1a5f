package util

import (
	"strings"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// ParseID returns the canonical lowercase dashed form of an identifier.
// Upper-case, braced, urn:uuid: and undashed spellings of the same id all
// map to one value.
func ParseID(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// ValidID reports whether value has the shape of a store-assigned identifier.
func ValidID(value string) bool {
	_, ok := ParseID(value)
	return ok
}
