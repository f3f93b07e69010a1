// Package policy holds the catalog of named retry policies and the error categories
// that cap how often a given class of failure is retried.
package policy

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"idemcore/internal/shared"
	"idemcore/pkg/retry"
)

// Category groups failures by message fragments or error kind and caps their attempts.
type Category struct {
	Name string `yaml:"name"`
	// Match lists lowercase fragments searched for in the error message
	Match []string `yaml:"match"`
	// Kinds lists error kinds (as printed by shared.Kind.String) that belong to the category
	Kinds []string `yaml:"kinds"`
	// MaxAttempts caps the attempts that may fail with this category (0 = no cap)
	MaxAttempts int `yaml:"max_attempts"`
}

// Catalog is an immutable set of named policies plus failure categories.
type Catalog struct {
	Default    retry.Policy            `yaml:"default"`
	Policies   map[string]retry.Policy `yaml:"policies"`
	Categories []Category              `yaml:"categories"`
}

// Builtin returns the catalog used when no file is configured.
func Builtin(def retry.Policy) *Catalog {
	return &Catalog{
		Default:  def,
		Policies: map[string]retry.Policy{},
		Categories: []Category{
			{Name: "network", Match: []string{"network", "connection refused", "connection reset", "econnrefused", "no such host"}, MaxAttempts: 3},
			{Name: "timeout", Match: []string{"timeout", "timed out"}, Kinds: []string{"Timeout"}, MaxAttempts: 2},
			{Name: "server_error", Match: []string{"500", "502", "503", "504", "server error"}, MaxAttempts: 2},
			{Name: "auth", Match: []string{"unauthorized", "forbidden", "401", "403"}, MaxAttempts: 1},
		},
	}
}

// Load reads a YAML catalog from path. Missing fields of the default policy are taken from def.
func Load(path string, def retry.Policy) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, shared.Wrapf(err, "policy: read %s", path)
	}
	return Parse(data, def)
}

// Parse decodes a YAML catalog.
func Parse(data []byte, def retry.Policy) (*Catalog, error) {
	c := Catalog{Default: def}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, shared.Wrap(shared.MarkKind(err, shared.KindValidation), "policy: decode")
	}
	if c.Policies == nil {
		c.Policies = map[string]retry.Policy{}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	for i := range c.Categories {
		for j, m := range c.Categories[i].Match {
			c.Categories[i].Match[j] = strings.ToLower(m)
		}
	}
	return &c, nil
}

// Validate checks every policy and category.
func (c *Catalog) Validate() error {
	if err := c.Default.Validate(); err != nil {
		return shared.Wrap(err, "policy: default")
	}
	for name, p := range c.Policies {
		if err := p.Validate(); err != nil {
			return shared.Wrapf(err, "policy: %s", name)
		}
	}
	seen := make(map[string]bool, len(c.Categories))
	for _, cat := range c.Categories {
		if cat.Name == "" {
			return shared.Validationf("policy: category without name")
		}
		if seen[cat.Name] {
			return shared.Validationf("policy: duplicate category %q", cat.Name)
		}
		seen[cat.Name] = true
		if cat.MaxAttempts < 0 {
			return shared.Validationf("policy: category %q: negative max_attempts", cat.Name)
		}
	}
	return nil
}

// Policy returns the named policy, or the default one for unknown names.
func (c *Catalog) Policy(name string) retry.Policy {
	if p, ok := c.Policies[name]; ok {
		return p
	}
	return c.Default
}

// Names returns the sorted names of all named policies.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Policies))
	for name := range c.Policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Categorize returns the first category matching err, or "" if none does.
func (c *Catalog) Categorize(err error) string {
	if cat := c.categoryOf(err); cat != nil {
		return cat.Name
	}
	return ""
}

func (c *Catalog) categoryOf(err error) *Category {
	if err == nil {
		return nil
	}
	kind := shared.KindOf(err).String()
	msg := strings.ToLower(err.Error())
	for i := range c.Categories {
		cat := &c.Categories[i]
		for _, k := range cat.Kinds {
			if k == kind {
				return cat
			}
		}
		for _, m := range cat.Match {
			if m != "" && strings.Contains(msg, m) {
				return cat
			}
		}
	}
	return nil
}

// Limit decorates op so that failures of a capped category end retries once the
// category's attempt budget is spent. Every call of Limit starts with fresh budgets.
func (c *Catalog) Limit(op retry.Operation) retry.Operation {
	var mu sync.Mutex
	failures := make(map[string]int)

	return func(ctx context.Context) (any, error) {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		cat := c.categoryOf(err)
		if cat == nil || cat.MaxAttempts == 0 {
			return res, err
		}

		mu.Lock()
		failures[cat.Name]++
		spent := failures[cat.Name] >= cat.MaxAttempts
		mu.Unlock()

		if spent {
			return nil, retry.Stop(err)
		}
		return res, err
	}
}
