package plugins

import (
	"errors"
	"testing"

	"github.com/danmuck/peerwire/internal/protocol/payload"
	"github.com/danmuck/peerwire/internal/services"
	"github.com/danmuck/peerwire/internal/services/sum"
	"github.com/danmuck/peerwire/internal/testutil/testlog"
)

type badPlugin struct{}

func (badPlugin) Namespace() string                 { return "other" }
func (badPlugin) Register(*services.Registry) error { return nil }

func TestBuiltinCatalog(t *testing.T) {
	testlog.Start(t)
	c := Builtin()
	names := c.Names()
	if len(names) != 2 || names[0] != "kv" || names[1] != "sum" {
		t.Fatalf("unexpected builtin names: %v", names)
	}

	reg, err := c.Build("sum", payload.JSONSnappy)
	if err != nil {
		t.Fatalf("build sum: %v", err)
	}
	if reg.Namespace() != sum.Namespace || reg.Codec().Name() != payload.NameJSONSnappy || len(reg.Services()) != 2 {
		t.Fatalf("unexpected sum registry: ns=%s services=%d", reg.Namespace(), len(reg.Services()))
	}

	other, err := c.Build("sum", nil)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if other == reg {
		t.Fatalf("builds must not share registries")
	}
}

func TestCatalogErrors(t *testing.T) {
	testlog.Start(t)
	c := NewCatalog()
	if _, err := c.Build("sum", nil); !errors.Is(err, ErrUnknownPlugin) {
		t.Fatalf("expected ErrUnknownPlugin, got %v", err)
	}
	if err := c.Add("x", func() Plugin { return badPlugin{} }); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Add("x", func() Plugin { return badPlugin{} }); !errors.Is(err, ErrPluginExists) {
		t.Fatalf("expected ErrPluginExists, got %v", err)
	}
	if _, err := c.Build("x", nil); err == nil {
		t.Fatalf("expected namespace mismatch error")
	}
	if err := c.Add(" ", nil); err == nil {
		t.Fatalf("expected invalid add error")
	}
}
