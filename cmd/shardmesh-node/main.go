// Command shardmesh-node runs one storage mesh node: the local shard store,
// peer discovery on the LAN, DHT participation, the sync scheduler and the
// Storage API.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/yndnr/shardmesh-go/internal/infra/buildinfo"
	"github.com/yndnr/shardmesh-go/internal/infra/confloader"
	"github.com/yndnr/shardmesh-go/internal/server/config"
	"github.com/yndnr/shardmesh-go/internal/telemetry/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", "", "path to configuration file")
		dataDir     = flag.String("data-dir", "", "override storage.data_dir")
		nodeID      = flag.String("node-id", "", "override node.id")
		showVersion = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("shardmesh-node", buildinfo.String())
		return nil
	}

	loader := newLoader(*configFile, flagOverrides(*dataDir, *nodeID))
	cfg, err := loadConfig(loader)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	info := buildinfo.Get()
	log.Info("starting shardmesh-node", "version", info.Version, "commit", info.ShortCommit(), "config", *configFile)

	n, err := build(cfg, loader, log)
	if err != nil {
		return err
	}
	return n.run()
}

func newLoader(path string, overrides map[string]any) *confloader.Loader {
	opts := []confloader.Option{confloader.WithEnvPrefix(confloader.DefaultEnvPrefix)}
	if path != "" {
		opts = append(opts, confloader.WithConfigFile(path))
	}
	if len(overrides) > 0 {
		opts = append(opts, confloader.WithOverrides(overrides))
	}
	return confloader.NewLoader(opts...)
}

// flagOverrides maps the non-empty command-line flags to config keys.
func flagOverrides(dataDir, nodeID string) map[string]any {
	out := make(map[string]any)
	if dataDir != "" {
		out["storage.data_dir"] = dataDir
	}
	if nodeID != "" {
		out["node.id"] = nodeID
	}
	return out
}

// loadConfig reads defaults, then the file, then the environment, then the
// flag overrides, and verifies the result.
func loadConfig(loader *confloader.Loader) (*config.NodeConfig, error) {
	cfg := config.Default()
	if err := loader.Reload(cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
