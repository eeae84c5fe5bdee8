package catalog

import (
	"context"
	"encoding/json"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestNormalizeToolsSortsByPosition(t *testing.T) {
	tools, err := NormalizeTools([]Tool{
		{Position: 2, Procedure: "add_text"},
		{Position: 0, Procedure: "resize"},
		{Position: 1, Procedure: "grayscale"},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := []string{"resize", "grayscale", "add_text"}
	for i, name := range want {
		if tools[i].Procedure != name || tools[i].Position != i {
			t.Fatalf("unexpected order: %+v", tools)
		}
	}
}

func TestNormalizeToolsRejectsGapsAndDuplicates(t *testing.T) {
	if _, err := NormalizeTools([]Tool{{Position: 0}, {Position: 2}}); err == nil {
		t.Fatalf("expected gap rejection")
	}
	if _, err := NormalizeTools([]Tool{{Position: 0}, {Position: 0}}); err == nil {
		t.Fatalf("expected duplicate rejection")
	}
}

func TestRedisStoreGetProject(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	store, err := NewRedisStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer store.Close()

	doc, _ := json.Marshal(Project{
		ID:      "p1",
		OwnerID: "u1",
		Name:    "Holiday",
		Images:  []Image{{ID: "img-1", FileName: "cat.png", SourceKey: "key-1"}},
		Tools: []Tool{
			{Position: 1, Procedure: "add_text"},
			{Position: 0, Procedure: "resize"},
		},
	})
	srv.Set(projectKey("p1"), string(doc))

	p, err := store.GetProject(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.OwnerID != "u1" || len(p.Images) != 1 {
		t.Fatalf("unexpected project: %+v", p)
	}
	if p.Tools[0].Procedure != "resize" || p.Tools[1].Procedure != "add_text" {
		t.Fatalf("tools not normalized: %+v", p.Tools)
	}

	if _, err := store.GetProject(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	img, ok := p.ImageByID("img-1")
	if !ok || img.FileName != "cat.png" {
		t.Fatalf("unexpected image lookup: %+v %v", img, ok)
	}
	if _, ok := p.ImageByID("nope"); ok {
		t.Fatalf("expected image miss")
	}
}

func TestParseRegistry(t *testing.T) {
	data := []byte(`
tools:
  resize:
    params_schema:
      type: object
      required: [width]
      properties:
        width: {type: integer, minimum: 1}
  bg_remove_ai:
    advanced: true
    subject: tool.bg-remove.requests
`)
	reg, err := ParseRegistry(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	spec, ok := reg.Lookup("resize")
	if !ok || spec.Subject != "tool.resize.requests" {
		t.Fatalf("unexpected resize spec: %+v", spec)
	}
	spec, ok = reg.Lookup("bg_remove_ai")
	if !ok || !spec.Advanced || spec.Subject != "tool.bg-remove.requests" {
		t.Fatalf("unexpected bg_remove_ai spec: %+v", spec)
	}

	if _, err := ParseRegistry([]byte("tools: {}")); err == nil {
		t.Fatalf("expected empty registry rejection")
	}
}

func TestRegistryValidate(t *testing.T) {
	reg := DefaultRegistry()
	if err := reg.Validate([]Tool{{Position: 0, Procedure: "resize"}}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := reg.Validate([]Tool{{Position: 0, Procedure: "sharpen_3000"}}); err == nil {
		t.Fatalf("expected unknown procedure rejection")
	}
}

func TestRegistryValidateParamsSchema(t *testing.T) {
	reg, err := ParseRegistry([]byte(`
tools:
  resize:
    params_schema:
      type: object
      required: [width]
      properties:
        width: {type: integer, minimum: 1}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ok := []Tool{{Position: 0, Procedure: "resize", Params: map[string]any{"width": 640}}}
	if err := reg.Validate(ok); err != nil {
		t.Fatalf("expected valid params: %v", err)
	}
	bad := []Tool{{Position: 0, Procedure: "resize", Params: map[string]any{"height": 480}}}
	if err := reg.Validate(bad); err == nil {
		t.Fatalf("expected params rejection")
	}
}

func TestAdvancedOps(t *testing.T) {
	reg := DefaultRegistry()
	tools := []Tool{
		{Position: 0, Procedure: "resize"},
		{Position: 1, Procedure: "bg_remove_ai"},
		{Position: 2, Procedure: "upgrade_ai"},
	}
	if got := reg.AdvancedOps(tools, 4); got != 8 {
		t.Fatalf("expected 8 advanced ops, got %d", got)
	}
	if got := reg.AdvancedOps(tools[:1], 4); got != 0 {
		t.Fatalf("expected 0 advanced ops, got %d", got)
	}
}
