// Package config defines the shardmesh-node configuration.
//
//   - spec.go: NodeConfig and its sections
//   - default.go: default values
//   - verify.go: validation beyond what the types enforce
//   - sanitize.go: a copy safe to log
//   - convert.go: builders for the component configs
//
// Configuration is loaded with internal/infra/confloader from the YAML file
// named by -config and from SHARDMESH_ environment variables. Sizes are
// written the way people write them ("500GB", "2 GiB") and parsed with
// go-humanize.
package config
