package main

import (
	"testing"

	"github.com/yndnr/shardmesh-go/internal/server/config"
)

func TestFlagOverrides(t *testing.T) {
	tests := []struct {
		name            string
		dataDir, nodeID string
		want            map[string]any
	}{
		{"none", "", "", map[string]any{}},
		{"data dir", "/srv/mesh", "", map[string]any{"storage.data_dir": "/srv/mesh"}},
		{"both", "/srv/mesh", "n1", map[string]any{"storage.data_dir": "/srv/mesh", "node.id": "n1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := flagOverrides(tt.dataDir, tt.nodeID)
			if len(got) != len(tt.want) {
				t.Fatalf("flagOverrides() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestNewLoader_DataDirFlag(t *testing.T) {
	t.Setenv("SHARDMESH_STORAGE__DATA_DIR", "/from-env")

	loader := newLoader("", flagOverrides("/from-flag", ""))
	cfg := config.Default()
	if err := loader.Reload(cfg); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if cfg.Storage.DataDir != "/from-flag" {
		t.Errorf("storage.data_dir = %q, want /from-flag", cfg.Storage.DataDir)
	}
}
