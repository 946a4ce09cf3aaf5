// Package config loads the supervisor configuration.
//
// The configuration is a YAML file read over built-in defaults, so an empty
// or missing file is valid. Unknown keys are rejected. Field constraints are
// declared as struct tags and checked with validator; durations use Go
// syntax ("15s", "8h") and sizes use human units ("1GB", "512 MiB").
//
//	paths:
//	  data: /data
//	jobs:
//	  min_free_space: 2GB
//	watchdog:
//	  core_api: 2m
//	replication:
//	  enabled: true
//	  name: nas
//	  host: nas.local
//	  user: backup
//	  key_file: /data/ssh/id_ed25519
//	  remote_dir: /volume1/snapshots
//
// Paths not set explicitly are derived from paths.data.
package config
