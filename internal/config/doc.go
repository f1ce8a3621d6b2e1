/*
Package config loads and validates the artifact cache configuration.

Values are resolved in three layers, later layers overriding earlier ones:

	defaults (NewDefault) < YAML file (LoadFromFile) < ARTIFACTCACHE_* environment

Byte sizes accept plain integers or human readable strings such as "256MB"
or "1 GiB". Durations use Go syntax ("30s", "24h").

Example file:

	global:
	  log_level: INFO
	  log_format: json
	cache:
	  max_memory_size: 256MiB
	  max_cache_entries: 1000
	  default_ttl: 24h
	  cache_directory: /var/tmp/artifactcache
	  enable_compression: true
	  compression_level: 3
	resilience:
	  retry:
	    max_attempts: 3
	  circuit_breaker:
	    enabled: true
	    failure_threshold: 5
	    timeout: 30s

Validate returns a CONFIG_VALIDATION CacheError describing the first
offending field.
*/
package config
