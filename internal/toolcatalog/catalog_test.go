package toolcatalog

import (
	"testing"

	"github.com/taskmesh/controlplane/internal/types"
)

func TestRegisterFactoryDuplicateFails(t *testing.T) {
	c := New()
	f := StaticFactory{{Name: "search", Description: "web search"}}

	if err := c.RegisterFactory(types.KindOperator, f); err != nil {
		t.Fatalf("first register should succeed: %v", err)
	}
	if err := c.RegisterFactory(types.KindOperator, f); err == nil {
		t.Fatal("expected duplicate factory registration to fail")
	}
}

func TestValidateEmptyListAccepted(t *testing.T) {
	c := New()
	if err := c.Validate(types.KindOperator, nil); err != nil {
		t.Fatalf("empty tool list should always validate: %v", err)
	}
}

func TestValidateUnknownTool(t *testing.T) {
	c := New()
	c.RegisterFactory(types.KindOperator, StaticFactory{{Name: "search"}})

	err := c.Validate(types.KindOperator, []string{"search", "bogus"})
	if types.KindOf(err) != types.ErrUnknownTool {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestValidateKnownTools(t *testing.T) {
	c := New()
	c.RegisterFactory(types.KindOperator, StaticFactory{{Name: "search"}, {Name: "fetch"}})

	if err := c.Validate(types.KindOperator, []string{"search", "fetch"}); err != nil {
		t.Fatalf("known tools should validate: %v", err)
	}
}
