// Package roles defines per-role capability sets: which task-store
// actions a role may invoke, which IPC verbs it sees as tools, and which
// lifecycle advance targets it may select. Definitions are configuration;
// adding a role means adding YAML, not code.
package roles

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/overmind-sh/overmind/internal/common/logger"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Definition is one role's capability set.
type Definition struct {
	TasksActions   []string `yaml:"tasks_actions"`
	Verbs          []string `yaml:"verbs"`
	AdvanceTargets []string `yaml:"advance_targets"`
}

type rolesFile struct {
	Roles map[string]*Definition `yaml:"roles"`
}

// Table holds the loaded role definitions.
type Table struct {
	roles map[string]*roleSet
	log   *logger.Logger
}

// roleSet is a Definition compiled to membership sets.
type roleSet struct {
	actions map[string]struct{}
	verbs   map[string]struct{}
	targets map[string]struct{}
}

func compile(def *Definition) *roleSet {
	rs := &roleSet{
		actions: make(map[string]struct{}, len(def.TasksActions)),
		verbs:   make(map[string]struct{}, len(def.Verbs)),
		targets: make(map[string]struct{}, len(def.AdvanceTargets)),
	}
	for _, a := range def.TasksActions {
		rs.actions[a] = struct{}{}
	}
	for _, v := range def.Verbs {
		rs.verbs[v] = struct{}{}
	}
	for _, tgt := range def.AdvanceTargets {
		rs.targets[tgt] = struct{}{}
	}
	return rs
}

// Load returns the embedded default table, overlaid with definitions
// from path when it is non-empty. A role present in the file replaces
// the default wholesale.
func Load(path string, log *logger.Logger) (*Table, error) {
	t := &Table{roles: make(map[string]*roleSet), log: log.WithComponent("roles")}

	var defaults rolesFile
	if err := yaml.Unmarshal(defaultsYAML, &defaults); err != nil {
		return nil, fmt.Errorf("parse embedded role defaults: %w", err)
	}
	for name, def := range defaults.Roles {
		t.roles[name] = compile(def)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read roles file: %w", err)
		}
		var file rolesFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse roles file: %w", err)
		}
		for name, def := range file.Roles {
			t.roles[name] = compile(def)
			t.log.Info("role overridden from file", zap.String("role", name))
		}
	}
	return t, nil
}

// Known reports whether a role is defined.
func (t *Table) Known(role string) bool {
	_, ok := t.roles[role]
	return ok
}

// Names returns the defined role names, sorted.
func (t *Table) Names() []string {
	out := make([]string, 0, len(t.roles))
	for name := range t.roles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ActionAllowed reports whether a role may invoke a tasks action.
// Unknown roles are denied everything.
func (t *Table) ActionAllowed(role, action string) bool {
	rs, ok := t.roles[role]
	if !ok {
		return false
	}
	_, ok = rs.actions[action]
	return ok
}

// VerbAllowed reports whether a role's tool surface includes a verb.
func (t *Table) VerbAllowed(role, verb string) bool {
	rs, ok := t.roles[role]
	if !ok {
		return false
	}
	_, ok = rs.verbs[verb]
	return ok
}

// AdvanceTargetAllowed reports whether a role may advance the pipeline
// to the given target role.
func (t *Table) AdvanceTargetAllowed(role, target string) bool {
	rs, ok := t.roles[role]
	if !ok {
		return false
	}
	_, ok = rs.targets[target]
	return ok
}

// Verbs returns the verb allowlist for a role, sorted. Used when
// projecting the tool surface at spawn time.
func (t *Table) Verbs(role string) []string {
	rs, ok := t.roles[role]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rs.verbs))
	for v := range rs.verbs {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
