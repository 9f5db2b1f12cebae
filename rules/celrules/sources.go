package celrules

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/liamcoop/dss/rules"
)

// SourceExtension is appended to qualified names to form file and object keys
const SourceExtension = ".cel"

func notFound(qualifiedName string) error {
	return fmt.Errorf("%w: %s", rules.ErrImplementationNotFound, qualifiedName)
}

// SourceStore is a SourceProvider that accepts uploads
type SourceStore interface {
	SourceProvider
	Put(ctx context.Context, qualifiedName, body string) error
	Delete(ctx context.Context, qualifiedName string) error
	Names(ctx context.Context) ([]string, error)
}

// MapSource holds sources in memory; it backs ad-hoc uploads
type MapSource struct {
	sources map[string]string
	mu      sync.RWMutex
}

// NewMapSource creates a source with an optional initial set of rules
func NewMapSource(initial map[string]string) *MapSource {
	m := &MapSource{sources: make(map[string]string, len(initial))}
	for name, body := range initial {
		m.sources[name] = body
	}
	return m
}

func (m *MapSource) Source(_ context.Context, qualifiedName string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	body, ok := m.sources[qualifiedName]
	if !ok {
		return "", notFound(qualifiedName)
	}
	return body, nil
}

// Put stores or replaces the source for qualifiedName
func (m *MapSource) Put(_ context.Context, qualifiedName, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[qualifiedName] = body
	return nil
}

// Delete removes a source; unknown names are a no-op
func (m *MapSource) Delete(_ context.Context, qualifiedName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, qualifiedName)
	return nil
}

// Names lists stored qualified names in sorted order
func (m *MapSource) Names(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DirSource reads <Dir>/<qualified name>.cel. A file that cannot be opened
// counts as not found, whatever the reason.
type DirSource struct {
	Dir string
}

func (d DirSource) Source(_ context.Context, qualifiedName string) (string, error) {
	file := qualifiedName + SourceExtension
	if strings.ContainsAny(qualifiedName, `/\`) || !filepath.IsLocal(file) {
		return "", notFound(qualifiedName)
	}

	f, err := os.Open(filepath.Join(d.Dir, file))
	if err != nil {
		return "", notFound(qualifiedName)
	}
	defer f.Close()

	if info, err := f.Stat(); err != nil || info.IsDir() {
		return "", notFound(qualifiedName)
	}
	body, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", file, err)
	}
	return string(body), nil
}

// Sources tries providers in order. The first source found wins; a failing
// provider is reported only if no later provider has the rule.
type Sources []SourceProvider

func (s Sources) Source(ctx context.Context, qualifiedName string) (string, error) {
	var failure error
	for _, provider := range s {
		body, err := provider.Source(ctx, qualifiedName)
		if err == nil {
			return body, nil
		}
		if !rules.IsNotFound(err) && failure == nil {
			failure = err
		}
	}
	if failure != nil {
		return "", failure
	}
	return "", notFound(qualifiedName)
}

var (
	_ SourceStore    = (*MapSource)(nil)
	_ SourceProvider = DirSource{}
	_ SourceProvider = Sources(nil)
)
