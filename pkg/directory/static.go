package directory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
)

// Static serves a fixed policy set, for local runs without a policy service.
// Policies with match terms are returned only when the query contains one of
// them; policies without terms are always returned.
type Static struct {
	entries []staticEntry
}

type staticEntry struct {
	models.Policy `yaml:",inline"`
	Match         []string `yaml:"match"`
}

type staticFile struct {
	Policies []staticEntry `yaml:"policies"`
}

func NewStatic(policies ...models.Policy) *Static {
	s := &Static{}
	for _, p := range policies {
		s.entries = append(s.entries, staticEntry{Policy: p})
	}
	return s
}

// LoadStatic reads a YAML file of the form `policies: [{name, type, expression, match}]`.
func LoadStatic(path string) (*Static, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParseStatic(raw)
}

func ParseStatic(raw []byte) (*Static, error) {
	var f staticFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	for i, e := range f.Policies {
		if strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("policy %d: name is required", i)
		}
		for j, m := range e.Match {
			f.Policies[i].Match[j] = strings.ToLower(strings.TrimSpace(m))
		}
	}
	return &Static{entries: f.Policies}, nil
}

func (s *Static) Search(ctx context.Context, query string) ([]models.Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	q := strings.ToLower(query)
	out := make([]models.Policy, 0, len(s.entries))
	for _, e := range s.entries {
		if matches(e.Match, q) {
			out = append(out, e.Policy)
		}
	}
	return out, nil
}

func matches(terms []string, query string) bool {
	if len(terms) == 0 {
		return true
	}
	for _, term := range terms {
		if term != "" && strings.Contains(query, term) {
			return true
		}
	}
	return false
}
