// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds top-level configuration for the sled binary.
type ServiceConfig struct {
	MetricsPort string
	BackendKind string // dummy | slurm | transient
	StagingRoot string // batch staging directory ("" = generated under temp)
	OutputRoot  string // where delocalized outputs land
	NotifyURL   string // job-lifecycle event destination ("" = disabled)
	NotifyKey   string // HMAC signing key for events
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		MetricsPort: GetEnv("SLED_METRICS_PORT", "9090"),
		BackendKind: GetEnv("SLED_BACKEND", "dummy"),
		StagingRoot: GetEnv("SLED_STAGING_ROOT", ""),
		OutputRoot:  GetEnv("SLED_OUTPUT_ROOT", "sled_output"),
		NotifyURL:   GetEnv("SLED_NOTIFY_URL", ""),
		NotifyKey:   GetSecretFile(GetEnv("SLED_NOTIFY_KEY_FILE", "")),
	}
}

// ControllerConfig holds tunables for the batch controller loop.
// Retry counts and backoff bounds are deployment policy, not core behavior.
type ControllerConfig struct {
	MaxConcurrent  int           // ceiling on jobs in Submitted/Running (default 64)
	PollInterval   time.Duration // delay between poll sweeps per job (default 10s)
	PollRetries    int           // transport retries per poll call (default 3)
	UnknownGrace   int           // consecutive Unknown polls before Failed (default 3)
	StageWorkers   int           // concurrent localizations (default 8)
	CollectWorkers int           // concurrent delocalizations (default 8)
	FailFast       bool          // abort the batch on first job failure
	KeepStaging    bool          // skip staging-dir cleanup after the run
}

// LoadControllerConfig loads controller configuration from environment variables.
func LoadControllerConfig() ControllerConfig {
	return ControllerConfig{
		MaxConcurrent:  GetIntEnv("SLED_MAX_CONCURRENT", 64),
		PollInterval:   GetDurationEnv("SLED_POLL_INTERVAL", 10*time.Second),
		PollRetries:    GetIntEnv("SLED_POLL_RETRIES", 3),
		UnknownGrace:   GetIntEnv("SLED_UNKNOWN_GRACE", 3),
		StageWorkers:   GetIntEnv("SLED_STAGE_WORKERS", 8),
		CollectWorkers: GetIntEnv("SLED_COLLECT_WORKERS", 8),
		FailFast:       GetBoolEnv("SLED_FAIL_FAST", false),
		KeepStaging:    GetBoolEnv("SLED_KEEP_STAGING", false),
	}
}

// TransientConfig holds configuration for the transient cluster backend.
// The staging root is always bind-mounted into the nodes at its own host
// path, since submission scripts carry absolute staged paths.
type TransientConfig struct {
	Image            string        // node image carrying the scheduler control plane
	Workers          int           // number of compute node containers
	Network          string        // docker network name
	CPUsPerNode      float64       // 0 = unconstrained
	MemoryMBPerNode  int           // 0 = unconstrained
	ProvisionTimeout time.Duration // bound on StartCluster (default 5m)
}

// LoadTransientConfig loads transient backend configuration from environment variables.
func LoadTransientConfig() TransientConfig {
	return TransientConfig{
		Image:            GetEnv("SLED_TRANSIENT_IMAGE", "sled-node:latest"),
		Workers:          GetIntEnv("SLED_TRANSIENT_WORKERS", 2),
		Network:          GetEnv("SLED_TRANSIENT_NETWORK", "sled_cluster"),
		CPUsPerNode:      GetFloatEnv("SLED_TRANSIENT_CPUS", 0),
		MemoryMBPerNode:  GetIntEnv("SLED_TRANSIENT_MEMORY_MB", 0),
		ProvisionTimeout: GetDurationEnv("SLED_PROVISION_TIMEOUT", 5*time.Minute),
	}
}
