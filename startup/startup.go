// Package startup holds the one-shot checks a host runs before the rule
// engine serves traffic.
package startup

import (
	"fmt"
	"sort"
	"strings"

	"github.com/liamcoop/dss/internal/logger"
	"github.com/liamcoop/dss/rules/celrules"
)

// CheckProperties logs every property under prefix whose value is blank and
// returns those keys sorted. Blank properties are reported, not fatal.
func CheckProperties(props map[string]string, prefix string) []string {
	var blank []string
	for key, value := range props {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if strings.TrimSpace(value) == "" {
			blank = append(blank, key)
		}
	}
	sort.Strings(blank)

	for _, key := range blank {
		logger.Warn("configuration property is blank", "property", key)
	}
	return blank
}

// ValidateNamespaces checks a namespace search order. The empty namespace
// stands for unqualified names; every other entry is a dot-separated list of
// identifiers. Duplicates are rejected.
func ValidateNamespaces(namespaces []string) error {
	seen := make(map[string]bool, len(namespaces))
	for i, ns := range namespaces {
		if seen[ns] {
			return fmt.Errorf("namespace %q listed more than once", ns)
		}
		seen[ns] = true

		if ns == "" {
			continue
		}
		for _, segment := range strings.Split(ns, ".") {
			if err := celrules.ValidIdentifier(segment); err != nil {
				return fmt.Errorf("namespace %d (%q): %w", i, ns, err)
			}
		}
	}
	return nil
}

// Run performs every startup check and logs a summary. Only invalid
// namespaces fail startup.
func Run(props map[string]string, prefix string, namespaces []string) error {
	blank := CheckProperties(props, prefix)
	if err := ValidateNamespaces(namespaces); err != nil {
		return fmt.Errorf("startup check failed: %w", err)
	}
	logger.Info("startup checks passed",
		"properties", len(props),
		"blank", len(blank),
		"namespaces", strings.Join(quote(namespaces), ","))
	return nil
}

func quote(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprintf("%q", v)
	}
	return out
}
