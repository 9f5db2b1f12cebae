package celrules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/dss/rules"
)

// SQLSource stores rule sources in the dss_rule_sources table
type SQLSource struct {
	db      *sql.DB
	dialect rules.Dialect
	now     func() time.Time
}

// NewSQLSource creates a source over an already migrated database
func NewSQLSource(db *sql.DB, dialect rules.Dialect) *SQLSource {
	return &SQLSource{db: db, dialect: dialect, now: time.Now}
}

func (s *SQLSource) Source(ctx context.Context, qualifiedName string) (string, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM dss_rule_sources WHERE qualified_name = `+s.dialect.Placeholder(1),
		qualifiedName).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound(qualifiedName)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read rule source: %w", err)
	}
	return body, nil
}

// Put inserts or replaces the source for qualifiedName
func (s *SQLSource) Put(ctx context.Context, qualifiedName, body string) error {
	p := s.dialect.Placeholder
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO dss_rule_sources (qualified_name, body, updated_at)
		VALUES (%s, %s, %s)
		ON CONFLICT (qualified_name)
		DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		p(1), p(2), p(3)),
		qualifiedName, body, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store rule source: %w", err)
	}
	return nil
}

// Delete removes a source; unknown names are a no-op
func (s *SQLSource) Delete(ctx context.Context, qualifiedName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM dss_rule_sources WHERE qualified_name = `+s.dialect.Placeholder(1),
		qualifiedName)
	if err != nil {
		return fmt.Errorf("failed to delete rule source: %w", err)
	}
	return nil
}

// Names lists stored qualified names in sorted order
func (s *SQLSource) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT qualified_name FROM dss_rule_sources ORDER BY qualified_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule sources: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan rule source: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

var _ SourceStore = (*SQLSource)(nil)
