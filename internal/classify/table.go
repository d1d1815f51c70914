// Package classify maps command names to their security classification and
// decides whether a session may invoke them. The table is loaded from YAML
// configuration and swapped atomically on reload; lookups never observe a
// partially updated table.
package classify

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arklim/ipc-gateway/internal/core/domain"
)

// tableFile is the on-disk YAML shape of the classification table.
type tableFile struct {
	Commands         []domain.CommandClassification `yaml:"commands"`
	Aliases          map[string]string              `yaml:"aliases"`
	PermissionGroups map[string][]string            `yaml:"permission_groups"`
}

// Table is an immutable snapshot of the classification configuration.
type Table struct {
	byName  map[string]domain.CommandClassification
	aliases map[string]string
	groups  map[string][]string
}

// LoadTable reads and validates a classification table from disk.
func LoadTable(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classification table: %w", err)
	}
	return ParseTable(raw)
}

// ParseTable parses and validates YAML table contents. A table that fails
// validation is rejected whole; the caller keeps serving the previous one.
func ParseTable(raw []byte) (*Table, error) {
	var file tableFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse classification table: %w", err)
	}

	t := &Table{
		byName:  make(map[string]domain.CommandClassification, len(file.Commands)),
		aliases: make(map[string]string, len(file.Aliases)),
		groups:  file.PermissionGroups,
	}

	for _, cmd := range file.Commands {
		if cmd.Name == "" {
			return nil, fmt.Errorf("classification with empty command name")
		}
		if !cmd.Tier.Valid() {
			return nil, fmt.Errorf("command %q: invalid tier %q", cmd.Name, cmd.Tier)
		}
		if _, dup := t.byName[cmd.Name]; dup {
			return nil, fmt.Errorf("duplicate command %q", cmd.Name)
		}
		for field, spec := range cmd.ArgumentSchema {
			if spec.Kind == "" {
				spec.Kind = domain.FieldString
				cmd.ArgumentSchema[field] = spec
			}
		}
		t.byName[cmd.Name] = cmd
	}

	for alias, target := range file.Aliases {
		if alias == target {
			return nil, fmt.Errorf("alias %q points at itself", alias)
		}
		if _, ok := t.byName[target]; !ok {
			return nil, fmt.Errorf("alias %q targets unknown command %q", alias, target)
		}
		if _, shadowed := t.byName[alias]; shadowed {
			return nil, fmt.Errorf("alias %q shadows a command name", alias)
		}
		t.aliases[alias] = target
	}

	for group := range t.groups {
		if err := t.checkGroupCycle(group, map[string]bool{}); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func (t *Table) checkGroupCycle(group string, seen map[string]bool) error {
	if seen[group] {
		return fmt.Errorf("permission group cycle through %q", group)
	}
	seen[group] = true
	for _, member := range t.groups[group] {
		if _, isGroup := t.groups[member]; isGroup {
			if err := t.checkGroupCycle(member, seen); err != nil {
				return err
			}
		}
	}
	delete(seen, group)
	return nil
}

// Lookup resolves aliases one level and returns the classification.
func (t *Table) Lookup(command string) (domain.CommandClassification, bool) {
	name := command
	if target, ok := t.aliases[name]; ok {
		name = target
	}
	cls, ok := t.byName[name]
	return cls, ok
}

// ExpandPermissions computes the transitive closure of granted permission
// names over the group hierarchy. Granting a group name grants every
// permission the group implies, recursively.
func (t *Table) ExpandPermissions(granted []string) map[string]struct{} {
	out := make(map[string]struct{}, len(granted))
	var walk func(name string)
	walk = func(name string) {
		if _, done := out[name]; done {
			return
		}
		out[name] = struct{}{}
		for _, member := range t.groups[name] {
			walk(member)
		}
	}
	for _, name := range granted {
		walk(name)
	}
	return out
}

// Schemas returns every command's argument schema keyed by canonical name,
// for pattern precompilation.
func (t *Table) Schemas() map[string]map[string]domain.FieldSpec {
	out := make(map[string]map[string]domain.FieldSpec, len(t.byName))
	for name, cls := range t.byName {
		if len(cls.ArgumentSchema) > 0 {
			out[name] = cls.ArgumentSchema
		}
	}
	return out
}

// Commands returns the sorted canonical command names, for diagnostics.
func (t *Table) Commands() []string {
	names := make([]string, 0, len(t.byName))
	for name := range t.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summary renders a short human description of the table for startup logs.
func (t *Table) Summary() string {
	return fmt.Sprintf("%d commands, %d aliases, %d permission groups [%s]",
		len(t.byName), len(t.aliases), len(t.groups), strings.Join(t.Commands(), ", "))
}
