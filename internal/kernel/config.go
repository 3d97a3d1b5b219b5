package kernel

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config collects the boot-time parameters of the kernel. Only the
// scheduler tunables are safe to change after boot; the rest describe
// memory shapes that are fixed once the allocators exist.
type Config struct {
	// MemoryBytes is the size of simulated physical memory.
	MemoryBytes uint32 `json:"memory_bytes"`
	// KernelFrames is the number of low frames reserved for the kernel
	// image and mapped into every address space.
	KernelFrames uint32 `json:"kernel_frames"`
	// MaxProcesses caps the process table.
	MaxProcesses int `json:"max_processes"`
	// StackBytes is the per-process stack carved from the kernel heap.
	StackBytes uint32 `json:"stack_bytes"`

	// HeapPoolBytes sizes the kernel heap pool.
	HeapPoolBytes uint32 `json:"heap_pool_bytes"`
	// HeapCoalesceInterval is the free-call count between automatic
	// coalescing passes.
	HeapCoalesceInterval uint32 `json:"heap_coalesce_interval"`

	// QuantumBase is the base time quantum in ticks. Reloadable.
	QuantumBase uint32 `json:"quantum_base"`
	// AgingThreshold is the wait time that triggers anti-starvation
	// promotion. Reloadable.
	AgingThreshold uint64 `json:"aging_threshold"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `json:"log_level"`
}

// DefaultConfig returns the stock parameters: 16 MiB of physical
// memory with a 1 MiB kernel image, a 64-slot process table and a 1 MiB
// kernel heap.
func DefaultConfig() Config {
	return Config{
		MemoryBytes:          16 << 20,
		KernelFrames:         256,
		MaxProcesses:         64,
		StackBytes:           PageSize,
		HeapPoolBytes:        1 << 20,
		HeapCoalesceInterval: 100,
		QuantumBase:          DefaultQuantumBase,
		AgingThreshold:       DefaultAgingThreshold,
		LogLevel:             "info",
	}
}

// LoadConfig reads a JSON config file. Missing fields keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects shapes the allocators cannot boot with.
func (c Config) Validate() error {
	if c.MemoryBytes < PageSize {
		return fmt.Errorf("memory_bytes %d below one page", c.MemoryBytes)
	}
	if c.KernelFrames == 0 || c.KernelFrames >= c.MemoryBytes/PageSize {
		return fmt.Errorf("kernel_frames %d must leave room for user frames", c.KernelFrames)
	}
	if c.MaxProcesses <= 0 {
		return fmt.Errorf("max_processes %d must be positive", c.MaxProcesses)
	}
	if c.StackBytes == 0 {
		return fmt.Errorf("stack_bytes must be positive")
	}
	if c.HeapPoolBytes < c.StackBytes {
		return fmt.Errorf("heap_pool_bytes %d cannot hold one stack", c.HeapPoolBytes)
	}
	if c.QuantumBase == 0 {
		return fmt.Errorf("quantum_base must be positive")
	}
	if c.AgingThreshold == 0 {
		return fmt.Errorf("aging_threshold must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q not recognized", c.LogLevel)
	}
	return nil
}
