package confloader

import (
	"os"
	"path/filepath"
	"testing"
)

type testConfig struct {
	Node struct {
		ID   string `koanf:"id"`
		Role string `koanf:"role"`
	} `koanf:"node"`
	Storage struct {
		DataDir string `koanf:"data_dir"`
	} `koanf:"storage"`
	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoader_File(t *testing.T) {
	path := writeFile(t, "node:\n  id: smnode-a\n  role: always_on\nstorage:\n  data_dir: /var/lib/shardmesh\n")

	var cfg testConfig
	if err := NewLoader(WithConfigFile(path)).Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Node.ID != "smnode-a" || cfg.Node.Role != "always_on" {
		t.Errorf("node = %+v", cfg.Node)
	}
	if cfg.Storage.DataDir != "/var/lib/shardmesh" {
		t.Errorf("data_dir = %q", cfg.Storage.DataDir)
	}
}

func TestLoader_KeepsDefaults(t *testing.T) {
	path := writeFile(t, "node:\n  id: smnode-a\n")

	var cfg testConfig
	cfg.Log.Level = "info"
	if err := NewLoader(WithConfigFile(path)).Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log.level = %q, want default kept", cfg.Log.Level)
	}
}

func TestLoader_Precedence(t *testing.T) {
	path := writeFile(t, "node:\n  id: from-file\n  role: intermittent\nstorage:\n  data_dir: /file\n")
	t.Setenv("SHARDMESH_NODE__ROLE", "always_on")
	t.Setenv("SHARDMESH_STORAGE__DATA_DIR", "/env")

	var cfg testConfig
	l := NewLoader(
		WithConfigFile(path),
		WithOverrides(map[string]any{"storage.data_dir": "/flag"}),
	)
	if err := l.Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name, got, want string
	}{
		{"file only", cfg.Node.ID, "from-file"},
		{"env over file", cfg.Node.Role, "always_on"},
		{"override over env", cfg.Storage.DataDir, "/flag"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
	if !l.IsLoaded() {
		t.Error("IsLoaded() = false after Load")
	}
}

func TestLoader_CustomPrefix(t *testing.T) {
	t.Setenv("SMCLI_LOG__LEVEL", "debug")

	var cfg testConfig
	if err := NewLoader(WithEnvPrefix("SMCLI_")).Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoader_MissingFile(t *testing.T) {
	var cfg testConfig
	err := NewLoader(WithConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))).Load(&cfg)
	if err == nil {
		t.Fatal("Load() error = nil, want error for missing file")
	}
}

func TestLoader_Reload(t *testing.T) {
	path := writeFile(t, "log:\n  level: info\n")
	l := NewLoader(WithConfigFile(path))

	var cfg testConfig
	if err := l.Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := l.Reload(&cfg); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log.level = %q after reload, want warn", cfg.Log.Level)
	}
	if got := l.GetString("log.level"); got != "warn" {
		t.Errorf("GetString() = %q", got)
	}
}

func TestLoader_OverridesReachNestedFields(t *testing.T) {
	path := writeFile(t, "node:\n  id: from-file\n  role: intermittent\n")

	var cfg testConfig
	l := NewLoader(
		WithConfigFile(path),
		WithOverrides(map[string]any{
			"node.id":          "from-flag",
			"storage.data_dir": "/flag",
		}),
	)
	if err := l.Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Node.ID != "from-flag" {
		t.Errorf("node.id = %q, want from-flag", cfg.Node.ID)
	}
	if cfg.Node.Role != "intermittent" {
		t.Errorf("node.role = %q, want sibling from file kept", cfg.Node.Role)
	}
	if cfg.Storage.DataDir != "/flag" {
		t.Errorf("storage.data_dir = %q, want /flag", cfg.Storage.DataDir)
	}
	if got := l.GetString("storage.data_dir"); got != "/flag" {
		t.Errorf("GetString() = %q, want /flag", got)
	}

	cfg = testConfig{}
	if err := l.Reload(&cfg); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if cfg.Storage.DataDir != "/flag" {
		t.Errorf("storage.data_dir = %q after reload, want /flag", cfg.Storage.DataDir)
	}
}
