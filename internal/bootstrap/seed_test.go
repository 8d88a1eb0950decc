package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureWorkspaceFilesSeedsFreshFolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "acme")

	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(created) != len(templateFiles) {
		t.Fatalf("created %v, want all of %v", created, templateFiles)
	}

	data, err := os.ReadFile(filepath.Join(dir, AgentsFile))
	if err != nil {
		t.Fatalf("read seeded file: %v", err)
	}
	if !strings.Contains(string(data), "workspace") {
		t.Errorf("AGENTS.md content looks wrong: %q", data[:40])
	}
}

func TestEnsureWorkspaceFilesNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	edited := []byte("# my own instructions\n")
	if err := os.WriteFile(filepath.Join(dir, AgentsFile), edited, 0644); err != nil {
		t.Fatal(err)
	}

	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, name := range created {
		if name == AgentsFile {
			t.Errorf("AGENTS.md reported as created over an existing file")
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, AgentsFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(edited) {
		t.Errorf("existing file was overwritten: %q", data)
	}
}

func TestEnsureWorkspaceFilesIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	if _, err := EnsureWorkspaceFiles(dir); err != nil {
		t.Fatalf("first seed: %v", err)
	}
	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatalf("second seed: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("second seed created %v, want none", created)
	}
}

func TestReadTemplate(t *testing.T) {
	content, err := ReadTemplate(IdentityFile)
	if err != nil {
		t.Fatalf("read template: %v", err)
	}
	if !strings.HasPrefix(content, "# IDENTITY.md") {
		t.Errorf("unexpected template head: %q", content[:20])
	}
}
