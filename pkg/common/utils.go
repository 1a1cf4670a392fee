package common

import (
	"strings"

	"github.com/google/uuid"
)

// Reference joins parts into a ledger reference, e.g. Reference("rental", id, "debit").
func Reference(parts ...string) string {
	return strings.Join(parts, ":")
}

func NewID() string {
	return uuid.NewString()
}
