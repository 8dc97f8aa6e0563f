package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/chatbridge/internal/config"
)

func TestEnsureConfigFileSeedsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")

	wrote, err := EnsureConfigFile(path)
	if err != nil {
		t.Fatalf("first seed: %v", err)
	}
	if !wrote {
		t.Fatal("first seed wrote nothing")
	}

	// The seeded template must parse and validate.
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("seeded config does not load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("seeded config invalid: %v", err)
	}

	// A second call must not overwrite.
	if err := os.WriteFile(path, []byte(`{"gateway":{"port":1}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	wrote, err = EnsureConfigFile(path)
	if err != nil {
		t.Fatalf("second seed: %v", err)
	}
	if wrote {
		t.Fatal("second seed overwrote an existing file")
	}
	data, _ := os.ReadFile(path)
	if string(data) != `{"gateway":{"port":1}}` {
		t.Fatal("existing file content changed")
	}
}
