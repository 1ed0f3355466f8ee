// Package team forms and runs multi-role teams on a single ticket
// under a coordination mode, merging member outcomes into the parent
// ticket.
package team

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/foreman-io/foreman/pkg/protocol"
)

// MemberSpec declares one role slot in a template.
type MemberSpec struct {
	Role  protocol.Role `yaml:"role"`
	Focus string        `yaml:"focus,omitempty"`
	Scope []string      `yaml:"scope,omitempty"`
}

// Template is a reusable team shape.
type Template struct {
	Name    string                    `yaml:"name"`
	Mode    protocol.CoordinationMode `yaml:"mode"`
	Lead    protocol.Role             `yaml:"lead"`
	Members []MemberSpec              `yaml:"members"`
}

func builtinTemplates() map[string]Template {
	return map[string]Template{
		"fullstack-team": {
			Name: "fullstack-team",
			Mode: protocol.CoordMixed,
			Lead: protocol.RoleArchitect,
			Members: []MemberSpec{
				{Role: protocol.RoleArchitect, Focus: "overall design and interfaces"},
				{Role: protocol.RoleBackend, Focus: "server-side implementation", Scope: []string{"internal/", "api/"}},
				{Role: protocol.RoleFrontend, Focus: "client-side implementation", Scope: []string{"web/", "ui/"}},
				{Role: protocol.RoleTester, Focus: "test coverage", Scope: []string{"tests/"}},
			},
		},
		"api-team": {
			Name: "api-team",
			Mode: protocol.CoordSequential,
			Lead: protocol.RoleBackend,
			Members: []MemberSpec{
				{Role: protocol.RoleBackend, Focus: "endpoints and persistence"},
				{Role: protocol.RoleTester, Focus: "integration tests"},
				{Role: protocol.RoleReviewer, Focus: "API surface review"},
			},
		},
		"security-team": {
			Name: "security-team",
			Mode: protocol.CoordParallel,
			Lead: protocol.RoleSecurity,
			Members: []MemberSpec{
				{Role: protocol.RoleSecurity, Focus: "threat model and hardening"},
				{Role: protocol.RoleBackend, Focus: "fix identified issues", Scope: []string{"internal/", "api/"}},
				{Role: protocol.RoleTester, Focus: "regression tests for fixes", Scope: []string{"tests/"}},
			},
		},
		"devops-team": {
			Name: "devops-team",
			Mode: protocol.CoordParallel,
			Lead: protocol.RoleDevops,
			Members: []MemberSpec{
				{Role: protocol.RoleDevops, Focus: "pipeline and deployment", Scope: []string{"deploy/", ".ci/"}},
				{Role: protocol.RoleBackend, Focus: "service configuration", Scope: []string{"internal/"}},
			},
		},
	}
}

// LoadTemplates returns the built-in templates, overlaid with any
// defined in the YAML file at path. An empty path or a missing file
// yields just the built-ins.
func LoadTemplates(path string) (map[string]Template, error) {
	templates := builtinTemplates()
	if path == "" {
		return templates, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return templates, nil
	}
	if err != nil {
		return nil, fmt.Errorf("team: read templates: %w", err)
	}
	var file struct {
		Templates []Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("team: parse templates %s: %w", path, err)
	}
	for _, t := range file.Templates {
		if err := validateTemplate(t); err != nil {
			return nil, err
		}
		templates[t.Name] = t
	}
	return templates, nil
}

func validateTemplate(t Template) error {
	if t.Name == "" {
		return fmt.Errorf("team: template without a name")
	}
	if !t.Mode.Valid() {
		return fmt.Errorf("team: template %s: unknown mode %q", t.Name, t.Mode)
	}
	if len(t.Members) == 0 {
		return fmt.Errorf("team: template %s: no members", t.Name)
	}
	leadFound := false
	for _, m := range t.Members {
		if m.Role == "" {
			return fmt.Errorf("team: template %s: member without a role", t.Name)
		}
		if m.Role == t.Lead {
			leadFound = true
		}
	}
	if !leadFound {
		return fmt.Errorf("team: template %s: lead %s is not a member", t.Name, t.Lead)
	}
	return nil
}

// TemplateNames lists the known template names, sorted.
func TemplateNames(templates map[string]Template) []string {
	names := make([]string, 0, len(templates))
	for n := range templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
