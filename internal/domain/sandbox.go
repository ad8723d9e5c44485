package domain

// SandboxStatus tracks the lifecycle of an isolated execution context.
type SandboxStatus string

const (
	SandboxCreating SandboxStatus = "CREATING"
	SandboxCreated  SandboxStatus = "CREATED"
	SandboxStarting SandboxStatus = "STARTING"
	SandboxRunning  SandboxStatus = "RUNNING"
	SandboxExited   SandboxStatus = "EXITED"
	SandboxFailed   SandboxStatus = "FAILED"
	SandboxRemoving SandboxStatus = "REMOVING"
	SandboxRemoved  SandboxStatus = "REMOVED"
)

// ResourceLimits bounds a sandbox. Zero values mean "no limit".
type ResourceLimits struct {
	// MemoryBytes is the hard memory ceiling.
	MemoryBytes int64 `json:"memory_bytes"`
	// NanoCPUs is the CPU quota in units of 1e-9 CPUs (1e9 = one full CPU).
	NanoCPUs int64 `json:"nano_cpus"`
	// PidsLimit caps the number of processes inside the sandbox.
	PidsLimit int64 `json:"pids_limit"`
}

// Sandbox describes one provisioned, resource-bounded execution context.
type Sandbox struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Status SandboxStatus `json:"status"`
	Limits ResourceLimits `json:"limits"`
	// RetryAttempt counts provisioning retries so far (infrastructure
	// failures only; test-logic failures never bump it).
	RetryAttempt int `json:"retry_attempt"`
}

// SandboxUsage is a best-effort resource snapshot collected after a sandbox
// run. Absence of metrics is not an error.
type SandboxUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes int64   `json:"memory_bytes"`
	PeakBytes   int64   `json:"peak_bytes"`
}
