/*
Package config loads and validates the adapter configuration.

Sources are applied in order of increasing precedence: compiled-in defaults
(NewDefault), a YAML file (LoadFromFile), then CHFS_* environment variables
(LoadFromEnv).

# File Layout

	global:
	  log_level: INFO
	  log_format: text
	storage:
	  backend: memory        # memory | s3 | badger
	  server: tcp://node0:40000
	  max_create_depth: 0    # 0 = unlimited
	  s3:
	    bucket: chfs
	  badger:
	    dir: /var/lib/chfs
	session:
	  connect_timeout: 30s
	adapter:
	  max_concurrency: 16
	metrics:
	  enabled: false
	  port: 9090
	fuse:
	  enabled: false
	  mount_point: /mnt/chfs
	options:
	  foo: bar

# Fingerprints

Fingerprint digests the storage section and the options map with BLAKE3.
Two configurations with the same fingerprint share one storage session;
logging, metrics and mount settings do not affect it.
*/
package config
