package core

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// ID is a globally unique, sortable identifier (KSUID).
type ID string

func NewID() (ID, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating id: %w", err)
	}
	return ID(id.String()), nil
}

func MustNewID() ID {
	id, err := NewID()
	if err != nil {
		panic(err)
	}
	return id
}

func ParseID(s string) (ID, error) {
	parsed, err := ksuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parsing id %q: %w", s, err)
	}
	return ID(parsed.String()), nil
}

func (id ID) String() string {
	return string(id)
}

func (id ID) IsZero() bool {
	return id == ""
}
