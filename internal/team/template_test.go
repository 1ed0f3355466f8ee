package team

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/foreman-io/foreman/pkg/protocol"
)

func TestBuiltinTemplates(t *testing.T) {
	templates, err := LoadTemplates("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, name := range []string{"fullstack-team", "api-team", "security-team", "devops-team"} {
		tpl, ok := templates[name]
		if !ok {
			t.Fatalf("missing builtin template %s", name)
		}
		if err := validateTemplate(tpl); err != nil {
			t.Fatalf("builtin %s invalid: %v", name, err)
		}
	}
	if templates["fullstack-team"].Mode != protocol.CoordMixed {
		t.Fatalf("expected fullstack-team mixed, got %s", templates["fullstack-team"].Mode)
	}
	if templates["api-team"].Mode != protocol.CoordSequential {
		t.Fatalf("expected api-team sequential, got %s", templates["api-team"].Mode)
	}
}

func TestLoadTemplatesOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teams.yaml")
	data := `templates:
  - name: docs-team
    mode: sequential
    lead: architect
    members:
      - role: architect
        focus: outline
      - role: fullstack
        focus: write the docs
        scope: ["docs/"]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	templates, err := LoadTemplates(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tpl, ok := templates["docs-team"]
	if !ok {
		t.Fatalf("expected docs-team loaded")
	}
	if tpl.Lead != protocol.RoleArchitect || len(tpl.Members) != 2 {
		t.Fatalf("template mismatch: %+v", tpl)
	}
	if tpl.Members[1].Scope[0] != "docs/" {
		t.Fatalf("expected scope parsed, got %v", tpl.Members[1].Scope)
	}
	if _, ok := templates["api-team"]; !ok {
		t.Fatalf("builtins must survive an override file")
	}
}

func TestLoadTemplatesMissingFile(t *testing.T) {
	templates, err := LoadTemplates(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if len(templates) != 4 {
		t.Fatalf("expected builtins only, got %v", TemplateNames(templates))
	}
}

func TestLoadTemplatesRejectsBadLead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teams.yaml")
	data := `templates:
  - name: broken
    mode: parallel
    lead: security
    members:
      - role: backend
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadTemplates(path); err == nil {
		t.Fatalf("expected error for lead outside members")
	}
}
