package migrations

import (
	_ "embed"
)

//go:embed 001_initial_schema.sql
var initialSchema string

// GetInitialSchema returns the outbox database schema. The schema is
// embedded so the binary does not depend on a scripts directory at
// runtime.
func GetInitialSchema() string {
	return initialSchema
}
