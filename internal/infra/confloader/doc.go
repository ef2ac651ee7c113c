// Package confloader loads node and CLI configuration with koanf.
//
// Sources, lowest priority first:
//
//  1. defaults already present in the target struct
//  2. a YAML file
//  3. SHARDMESH_ environment variables
//  4. an explicit map, used for command-line flags
//
// Environment keys separate nesting levels with a double underscore, so
// SHARDMESH_STORAGE__DATA_DIR sets storage.data_dir.
//
// Watcher reports edits to the loaded file so a running node can apply the
// settings that are safe to change live.
package confloader
