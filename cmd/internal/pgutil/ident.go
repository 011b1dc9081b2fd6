// Package pgutil holds small helpers shared by the Postgres-backed stores.
package pgutil

import (
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

// DefaultSchema is used when a store is not given a schema.
const DefaultSchema = "batchd"

var (
	ErrEmptySchema   = errors.New("pgutil: empty schema")
	ErrInvalidSchema = errors.New("pgutil: invalid schema identifier")
)

var identRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdent reports whether s is a plain, unquoted SQL identifier.
func ValidIdent(s string) bool {
	return identRE.MatchString(s)
}

// CheckSchema trims and validates a schema name.
func CheckSchema(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return "", ErrEmptySchema
	}
	if !ValidIdent(schema) {
		return "", ErrInvalidSchema
	}
	return schema, nil
}

// Ident returns the quoted "schema"."table" name.
func Ident(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// SchemaIdent returns the quoted schema name.
func SchemaIdent(schema string) string {
	return pgx.Identifier{schema}.Sanitize()
}
