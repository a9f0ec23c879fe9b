package workspace

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, "default")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	s.RegisterOwner("agent_registry.jsonl", "registry")

	records := []json.RawMessage{
		json.RawMessage(`{"kind":"operator","type":"poet","version":1}`),
		json.RawMessage(`{"kind":"operator","type":"poet","version":2}`),
	}
	if err := s.WriteDefinitions("registry", "agent_registry.jsonl", records); err != nil {
		t.Fatalf("WriteDefinitions: %v", err)
	}

	got, err := s.ReadDefinitions("agent_registry.jsonl")
	if err != nil {
		t.Fatalf("ReadDefinitions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
}

func TestReadMissingFileReturnsEmpty(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, "default")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	got, err := s.ReadDefinitions("nonexistent.jsonl")
	if err != nil {
		t.Fatalf("expected no error on missing file, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil records, got %v", got)
	}
}

func TestWriteWrongOwnerFails(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, "default")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	s.RegisterOwner("task_manager.jsonl", "manager")

	err = s.WriteDefinitions("registry", "task_manager.jsonl", nil)
	if err == nil {
		t.Fatal("expected ownership check to fail")
	}
}

func TestSecondOpenOnSameWorkspaceFails(t *testing.T) {
	root := t.TempDir()
	s1, err := Open(root, "default")
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer s1.Close()

	if _, err := Open(root, "default"); err == nil {
		t.Fatal("expected second Open on same workspace to fail to acquire the lock")
	}
}

func TestScratchCreatesOwnerDir(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, "default")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	dir, err := s.Scratch("supervisor")
	if err != nil {
		t.Fatalf("Scratch: %v", err)
	}
	want := filepath.Join(root, "workspaces", "default", "workdir", "supervisor")
	if dir != want {
		t.Fatalf("expected %s, got %s", want, dir)
	}
}
