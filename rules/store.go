package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// RuleStore manages rule record persistence and retrieval
type RuleStore interface {
	// Get a record by ID, retired or not
	Get(ctx context.Context, id int64) (*RuleRecord, error)

	// Add a new record bound to an implementation reference
	Add(ctx context.Context, implementationRef string, rec *RuleRecord) (*RuleRecord, error)

	// Update an existing record, bumping its version
	Update(ctx context.Context, rec *RuleRecord) (*RuleRecord, error)

	// Delete removes or retires a record depending on the configured mode
	Delete(ctx context.Context, id int64) error

	// Retire soft-deletes a record
	Retire(ctx context.Context, id int64) error

	// Purge hard-deletes a record
	Purge(ctx context.Context, id int64) error

	// ListPrioritized returns records of a type with priority > 0
	ListPrioritized(ctx context.Context, ruleType string) ([]*RuleRecord, error)

	// ListNonPrioritized returns records of a type with priority <= 0
	ListNonPrioritized(ctx context.Context, ruleType string) ([]*RuleRecord, error)

	// Query returns records matching a template
	Query(ctx context.Context, q Query) ([]*RuleRecord, error)
}

// DeleteMode selects what Delete does
type DeleteMode string

const (
	DeleteSoft DeleteMode = "soft"
	DeleteHard DeleteMode = "hard"
)

// ParseDeleteMode accepts "soft"/"retire" and "hard"/"purge"
func ParseDeleteMode(s string) (DeleteMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "soft", "retire":
		return DeleteSoft, nil
	case "hard", "purge":
		return DeleteHard, nil
	default:
		return "", fmt.Errorf("%w: unknown delete mode %q", ErrInvalidArgument, s)
	}
}

// StoreConfig holds record store policy
type StoreConfig struct {
	DeleteMode DeleteMode

	// AllowDuplicateNames permits two live records with the same type and name
	AllowDuplicateNames bool
}

// DefaultStoreConfig retires on delete and rejects duplicate names
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DeleteMode:          DeleteSoft,
		AllowDuplicateNames: false,
	}
}

func validateRecord(rec *RuleRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: record is nil", ErrValidation)
	}
	if strings.TrimSpace(rec.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	return nil
}

func duplicateNameError(rec *RuleRecord) error {
	return fmt.Errorf("%w: rule %q already exists for type %q", ErrValidation, rec.Name, rec.Type)
}

// InMemoryRuleStore implements RuleStore using an in-memory map
type InMemoryRuleStore struct {
	records map[int64]*RuleRecord
	nextID  int64
	config  StoreConfig
	now     func() time.Time
	mu      sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore(config StoreConfig) *InMemoryRuleStore {
	return &InMemoryRuleStore{
		records: make(map[int64]*RuleRecord),
		config:  config,
		now:     time.Now,
	}
}

// Get retrieves a record by ID
func (s *InMemoryRuleStore) Get(_ context.Context, id int64) (*RuleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return rec.clone(), nil
}

// Add assigns an ID and version 1 and stores a copy of the record
func (s *InMemoryRuleStore) Add(_ context.Context, implementationRef string, rec *RuleRecord) (*RuleRecord, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.AllowDuplicateNames && s.nameTaken(rec.Type, rec.Name, 0) {
		return nil, duplicateNameError(rec)
	}

	s.nextID++
	now := s.now().UTC()
	stored := rec.clone()
	stored.ID = s.nextID
	stored.Version = 1
	stored.Implementation = implementationRef
	stored.Retired = false
	stored.RetiredAt = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.records[stored.ID] = stored

	return stored.clone(), nil
}

// Update replaces the record's content and bumps its version.
// CreatedAt is preserved, as is Implementation when left empty.
func (s *InMemoryRuleStore) Update(_ context.Context, rec *RuleRecord) (*RuleRecord, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.records[rec.ID]
	if !exists {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, rec.ID)
	}
	if !s.config.AllowDuplicateNames && s.nameTaken(rec.Type, rec.Name, rec.ID) {
		return nil, duplicateNameError(rec)
	}

	updated := rec.clone()
	updated.Version = existing.Version + 1
	updated.CreatedAt = existing.CreatedAt
	updated.Retired = existing.Retired
	updated.RetiredAt = existing.RetiredAt
	if updated.Implementation == "" {
		updated.Implementation = existing.Implementation
	}
	updated.UpdatedAt = s.now().UTC()
	if !updated.UpdatedAt.After(existing.UpdatedAt) {
		updated.UpdatedAt = existing.UpdatedAt.Add(time.Nanosecond)
	}
	s.records[rec.ID] = updated

	return updated.clone(), nil
}

// Delete retires or purges according to the store configuration
func (s *InMemoryRuleStore) Delete(ctx context.Context, id int64) error {
	if s.config.DeleteMode == DeleteHard {
		return s.Purge(ctx, id)
	}
	return s.Retire(ctx, id)
}

// Retire marks a record retired; unknown or already retired ids are a no-op
func (s *InMemoryRuleStore) Retire(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists || rec.Retired {
		return nil
	}
	now := s.now().UTC()
	retired := rec.clone()
	retired.Retired = true
	retired.RetiredAt = &now
	s.records[id] = retired
	return nil
}

// Purge removes a record; unknown ids are a no-op
func (s *InMemoryRuleStore) Purge(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	return nil
}

// ListPrioritized returns live records of ruleType with priority > 0,
// ordered by priority then name
func (s *InMemoryRuleStore) ListPrioritized(_ context.Context, ruleType string) ([]*RuleRecord, error) {
	out := s.filter(func(r *RuleRecord) bool {
		return !r.Retired && r.Type == ruleType && r.Prioritized()
	})
	sortPrioritized(out)
	return out, nil
}

// ListNonPrioritized returns live records of ruleType without a priority,
// in insertion order
func (s *InMemoryRuleStore) ListNonPrioritized(_ context.Context, ruleType string) ([]*RuleRecord, error) {
	out := s.filter(func(r *RuleRecord) bool {
		return !r.Retired && r.Type == ruleType && !r.Prioritized()
	})
	sortRecords(out, columns[0])
	return out, nil
}

// Query returns live records matching the template
func (s *InMemoryRuleStore) Query(_ context.Context, q Query) ([]*RuleRecord, error) {
	col, err := sortColumn(q.SortColumn)
	if err != nil {
		return nil, err
	}
	out := s.filter(q.matches)
	sortRecords(out, col)
	return out, nil
}

func (s *InMemoryRuleStore) filter(keep func(*RuleRecord) bool) []*RuleRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*RuleRecord, 0)
	for _, rec := range s.records {
		if keep(rec) {
			out = append(out, rec.clone())
		}
	}
	return out
}

// nameTaken must be called with the lock held
func (s *InMemoryRuleStore) nameTaken(ruleType, name string, exceptID int64) bool {
	for id, rec := range s.records {
		if id != exceptID && !rec.Retired && rec.Type == ruleType && rec.Name == name {
			return true
		}
	}
	return false
}
