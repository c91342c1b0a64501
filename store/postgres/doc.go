// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: version-checked document swaps, JSONB columns for document
// history and dead-letter metadata, grove migrations.
package postgres
