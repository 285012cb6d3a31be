package tools

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

const defaultQueryLimit = 50

var (
	// ErrNotReadOnly is returned for statements other than a single SELECT.
	ErrNotReadOnly = errors.New("only read-only SELECT statements are allowed")

	writeKeyword = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|replace|attach|detach|pragma|vacuum|reindex)\b`)
)

// Querier runs read-only SQL.
type Querier interface {
	ReadOnlyQuery(ctx context.Context, query string, limit int) ([]map[string]any, error)
}

// DatabaseQuery runs SELECT statements against the application database.
type DatabaseQuery struct {
	DB Querier
}

func (*DatabaseQuery) Name() string { return "database_query" }

func (*DatabaseQuery) Description() string {
	return "Run a read-only SQL SELECT against the application database and return the rows as JSON."
}

func (*DatabaseQuery) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"limit": map[string]any{"type": "integer", "default": defaultQueryLimit},
		},
		"required": []string{"query"},
	}
}

func (d *DatabaseQuery) Execute(ctx context.Context, input map[string]any) (any, error) {
	query, err := CheckReadOnly(stringArg(input, "query"))
	if err != nil {
		return nil, err
	}
	if d.DB == nil {
		return nil, errors.New("no database configured")
	}
	limit := intArg(input, "limit", defaultQueryLimit)
	if limit <= 0 || limit > 1000 {
		limit = defaultQueryLimit
	}
	rows, err := d.DB.ReadOnlyQuery(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, nil
}

// CheckReadOnly validates that query is a single SELECT (or WITH ... SELECT)
// statement and returns it without the trailing semicolon.
func CheckReadOnly(query string) (string, error) {
	q := strings.TrimSpace(query)
	q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	if q == "" {
		return "", errors.New("'query' parameter is required")
	}
	if strings.Contains(q, ";") || writeKeyword.MatchString(q) {
		return "", ErrNotReadOnly
	}
	first := strings.ToUpper(strings.Fields(q)[0])
	if first != "SELECT" && first != "WITH" {
		return "", ErrNotReadOnly
	}
	return q, nil
}
