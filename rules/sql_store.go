package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect captures the SQL differences between supported databases
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

func (d Dialect) String() string {
	if d == DialectSQLite {
		return "sqlite"
	}
	return "postgres"
}

// Placeholder returns the bind parameter marker for the nth argument (1-based)
func (d Dialect) Placeholder(n int) string {
	if d == DialectSQLite {
		return "?"
	}
	return "$" + strconv.Itoa(n)
}

// collate forces byte-wise text ordering so results match the in-memory store
func (d Dialect) collate() string {
	if d == DialectSQLite {
		return ""
	}
	return ` COLLATE "C"`
}

func (d Dialect) contains(haystack, needle string) string {
	if d == DialectSQLite {
		return fmt.Sprintf("instr(%s, %s) > 0", haystack, needle)
	}
	return fmt.Sprintf("strpos(%s, %s) > 0", haystack, needle)
}

const recordColumns = `id, name, type, priority, version, implementation,
	title, author, institution, specialist, purpose, explanation, keywords,
	citations, links, action, retired, retired_at, created_at, updated_at`

// SQLRuleStore implements RuleStore on database/sql
type SQLRuleStore struct {
	db      *sql.DB
	dialect Dialect
	config  StoreConfig
	now     func() time.Time
}

// NewSQLRuleStore creates a store over an already migrated database
func NewSQLRuleStore(db *sql.DB, dialect Dialect, config StoreConfig) *SQLRuleStore {
	return &SQLRuleStore{
		db:      db,
		dialect: dialect,
		config:  config,
		now:     time.Now,
	}
}

// NewPostgresRuleStore creates a PostgreSQL-backed store. The db may use either
// the lib/pq ("postgres") or pgx ("pgx") driver.
func NewPostgresRuleStore(db *sql.DB, config StoreConfig) *SQLRuleStore {
	return NewSQLRuleStore(db, DialectPostgres, config)
}

// NewSQLiteRuleStore creates a SQLite-backed store
func NewSQLiteRuleStore(db *sql.DB, config StoreConfig) *SQLRuleStore {
	return NewSQLRuleStore(db, DialectSQLite, config)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*RuleRecord, error) {
	var r RuleRecord
	var retiredAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.Name, &r.Type, &r.Priority, &r.Version, &r.Implementation,
		&r.Title, &r.Author, &r.Institution, &r.Specialist, &r.Purpose,
		&r.Explanation, &r.Keywords, &r.Citations, &r.Links, &r.Action,
		&r.Retired, &retiredAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if retiredAt.Valid {
		t := retiredAt.Time.UTC()
		r.RetiredAt = &t
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get retrieves a record by ID
func (s *SQLRuleStore) Get(ctx context.Context, id int64) (*RuleRecord, error) {
	return s.get(ctx, s.db, id)
}

// get reads a row by id through a plain SELECT so drivers see declared
// column types when decoding timestamps
func (s *SQLRuleStore) get(ctx context.Context, q queryRower, id int64) (*RuleRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM dss_rules WHERE id = `+s.dialect.Placeholder(1), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rec, nil
}

// Add inserts a new record; the duplicate check and insert share a transaction
func (s *SQLRuleStore) Add(ctx context.Context, implementationRef string, rec *RuleRecord) (*RuleRecord, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if !s.config.AllowDuplicateNames {
		taken, err := s.nameTaken(ctx, tx, rec.Type, rec.Name, 0)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, duplicateNameError(rec)
		}
	}

	now := s.now().UTC()
	p := s.dialect.Placeholder
	query := fmt.Sprintf(`
		INSERT INTO dss_rules (name, type, priority, version, implementation,
			title, author, institution, specialist, purpose, explanation, keywords,
			citations, links, action, retired, created_at, updated_at)
		VALUES (%s, %s, %s, 1, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
		RETURNING id`,
		p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8), p(9), p(10), p(11), p(12), p(13), p(14), p(15), p(16), p(17))

	var id int64
	err = tx.QueryRowContext(ctx, query,
		rec.Name, rec.Type, rec.Priority, implementationRef,
		rec.Title, rec.Author, rec.Institution, rec.Specialist, rec.Purpose,
		rec.Explanation, rec.Keywords, rec.Citations, rec.Links, rec.Action,
		false, now, now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to insert rule: %w", err)
	}
	stored, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rule: %w", err)
	}
	return stored, nil
}

// Update modifies an existing record and bumps its version
func (s *SQLRuleStore) Update(ctx context.Context, rec *RuleRecord) (*RuleRecord, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if !s.config.AllowDuplicateNames {
		taken, err := s.nameTaken(ctx, tx, rec.Type, rec.Name, rec.ID)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, duplicateNameError(rec)
		}
	}

	p := s.dialect.Placeholder
	query := fmt.Sprintf(`
		UPDATE dss_rules
		SET name = %s, type = %s, priority = %s, version = version + 1,
			implementation = COALESCE(NULLIF(%s, ''), implementation),
			title = %s, author = %s, institution = %s, specialist = %s,
			purpose = %s, explanation = %s, keywords = %s, citations = %s,
			links = %s, action = %s, updated_at = %s
		WHERE id = %s
		RETURNING id`,
		p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8), p(9), p(10), p(11), p(12), p(13), p(14), p(15), p(16))

	var id int64
	err = tx.QueryRowContext(ctx, query,
		rec.Name, rec.Type, rec.Priority, rec.Implementation,
		rec.Title, rec.Author, rec.Institution, rec.Specialist, rec.Purpose,
		rec.Explanation, rec.Keywords, rec.Citations, rec.Links, rec.Action,
		s.now().UTC(), rec.ID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, rec.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	updated, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rule: %w", err)
	}
	return updated, nil
}

// Delete retires or purges according to the store configuration
func (s *SQLRuleStore) Delete(ctx context.Context, id int64) error {
	if s.config.DeleteMode == DeleteHard {
		return s.Purge(ctx, id)
	}
	return s.Retire(ctx, id)
}

// Retire marks a record retired; unknown or already retired ids are a no-op
func (s *SQLRuleStore) Retire(ctx context.Context, id int64) error {
	p := s.dialect.Placeholder
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE dss_rules SET retired = %s, retired_at = %s
		WHERE id = %s AND NOT retired`, p(1), p(2), p(3)),
		true, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to retire rule: %w", err)
	}
	return nil
}

// Purge removes a record; unknown ids are a no-op
func (s *SQLRuleStore) Purge(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM dss_rules WHERE id = `+s.dialect.Placeholder(1), id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return nil
}

// ListPrioritized returns live records of ruleType with priority > 0,
// ordered by priority then name
func (s *SQLRuleStore) ListPrioritized(ctx context.Context, ruleType string) ([]*RuleRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM dss_rules
		WHERE type = ` + s.dialect.Placeholder(1) + ` AND NOT retired AND priority > 0
		ORDER BY priority ASC, name` + s.dialect.collate() + ` ASC, id ASC`
	return s.list(ctx, query, ruleType)
}

// ListNonPrioritized returns live records of ruleType without a priority,
// in insertion order
func (s *SQLRuleStore) ListNonPrioritized(ctx context.Context, ruleType string) ([]*RuleRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM dss_rules
		WHERE type = ` + s.dialect.Placeholder(1) + ` AND NOT retired AND priority <= 0
		ORDER BY id ASC`
	return s.list(ctx, query, ruleType)
}

// Query returns live records matching the template
func (s *SQLRuleStore) Query(ctx context.Context, q Query) ([]*RuleRecord, error) {
	col, err := sortColumn(q.SortColumn)
	if err != nil {
		return nil, err
	}

	where := []string{"NOT retired"}
	var args []any
	for _, pred := range q.predicates() {
		args = append(args, pred.value())
		marker := s.dialect.Placeholder(len(args))
		where = append(where, s.condition(pred.col, marker, q.IgnoreCase, q.Substring))
	}

	order := col.name
	if col.kind == textColumn {
		order += s.dialect.collate()
	}
	query := `SELECT ` + recordColumns + ` FROM dss_rules WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY ` + order + ` ASC, id ASC`
	return s.list(ctx, query, args...)
}

func (p predicate) value() any {
	if p.col.kind == intColumn {
		return p.num
	}
	return p.text
}

func (s *SQLRuleStore) condition(c column, marker string, ignoreCase, substring bool) string {
	if c.kind != textColumn {
		return c.name + " = " + marker
	}
	field := c.name
	if ignoreCase {
		field, marker = "LOWER("+field+")", "LOWER("+marker+")"
	}
	if substring {
		return s.dialect.contains(field, marker)
	}
	return field + " = " + marker
}

func (s *SQLRuleStore) list(ctx context.Context, query string, args ...any) ([]*RuleRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	records := make([]*RuleRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return records, nil
}

func (s *SQLRuleStore) nameTaken(ctx context.Context, tx *sql.Tx, ruleType, name string, exceptID int64) (bool, error) {
	p := s.dialect.Placeholder
	var count int
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM dss_rules
		WHERE type = %s AND name = %s AND id <> %s AND NOT retired`, p(1), p(2), p(3)),
		ruleType, name, exceptID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check rule name: %w", err)
	}
	return count > 0, nil
}
