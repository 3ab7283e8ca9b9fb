package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"forkrpc/codec"
	"forkrpc/execution"
	"forkrpc/message"
	"forkrpc/protocol"
)

// Parent-side defaults.
const (
	DefaultAckTimeout      = 10 * time.Second
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultMaxWorkers      = 4
	DefaultRegistryTTL     = 10 // seconds
)

// PoolConfig describes a pool of forked workers, as read from a YAML file:
//
//	command: ./forkworker
//	max_workers: 4
//	pulse: 5s
//	call_timeout: 1m
//	wait_timeout: 1m
//	codec: cbor
//	context:
//	  name: diagnostics
//	worker:
//	  type: diagnostics.worker
//	  params:
//	    prefix: "> "
type PoolConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"` // Placed before the worker launch arguments
	Env     []string `yaml:"env"`  // Added to the parent environment

	Pulse       time.Duration `yaml:"pulse"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	AckTimeout      time.Duration `yaml:"ack_timeout"`      // Longest wait for a DONE after sending a frame
	StartupTimeout  time.Duration `yaml:"startup_timeout"`  // Longest wait for the handshake to complete
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Grace period after closing a worker's stdin

	Codec        string  `yaml:"codec"`
	MaxFrameSize uint32  `yaml:"max_frame_size"`
	LogLevel     string  `yaml:"log_level"`
	CallRate     float64 `yaml:"call_rate"`
	CallBurst    int     `yaml:"call_burst"`

	MaxWorkers int `yaml:"max_workers"`

	Context  message.ContextSpec `yaml:"context"`
	Worker   WorkerSpec          `yaml:"worker"`
	Registry RegistryConfig      `yaml:"registry"`
}

// WorkerSpec names the worker type within the context and its parameters.
type WorkerSpec struct {
	Type   string    `yaml:"type"`
	Params yaml.Node `yaml:"params"`
}

// RegistryConfig selects where live workers are published. No endpoints means in memory.
type RegistryConfig struct {
	Endpoints []string `yaml:"endpoints"`
	TTL       int64    `yaml:"ttl"` // Lease TTL in seconds
	Pool      string   `yaml:"pool"`
}

// DefaultPoolConfig returns a configuration with every optional field set.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Pulse:           DefaultPulse,
		CallTimeout:     DefaultCallTimeout,
		WaitTimeout:     DefaultWaitTimeout,
		AckTimeout:      DefaultAckTimeout,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Codec:           codec.CodecTypeJSON.String(),
		MaxFrameSize:    protocol.DefaultMaxFrameSize,
		LogLevel:        "info",
		CallBurst:       1,
		MaxWorkers:      DefaultMaxWorkers,
		Registry:        RegistryConfig{TTL: DefaultRegistryTTL, Pool: "default"},
	}
}

// LoadPoolConfig reads and validates a pool configuration file.
func LoadPoolConfig(path string) (PoolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PoolConfig{}, errors.Wrap(err, "config: read pool config")
	}
	return ParsePoolConfig(data)
}

// ParsePoolConfig decodes YAML over the defaults and validates the result.
func ParsePoolConfig(data []byte) (PoolConfig, error) {
	cfg := DefaultPoolConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PoolConfig{}, errors.Wrap(err, "config: parse pool config")
	}
	if err := cfg.Validate(); err != nil {
		return PoolConfig{}, err
	}
	return cfg, nil
}

func (c PoolConfig) Validate() error {
	switch {
	case c.Command == "":
		return errors.New("config: command is required")
	case c.MaxWorkers <= 0:
		return errors.Errorf("config: max_workers must be positive, got %d", c.MaxWorkers)
	case c.Pulse <= 0:
		return errors.New("config: pulse must be positive")
	case c.CallTimeout <= 0 || c.WaitTimeout <= 0:
		return errors.New("config: call_timeout and wait_timeout must be positive")
	case c.AckTimeout <= 0 || c.StartupTimeout <= 0:
		return errors.New("config: ack_timeout and startup_timeout must be positive")
	case c.Context.Name == "":
		return errors.New("config: context.name is required")
	case c.Worker.Type == "":
		return errors.New("config: worker.type is required")
	}
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		return err
	}
	return nil
}

// WorkerConfig returns the launch arguments every worker of the pool is started with.
func (c PoolConfig) WorkerConfig() WorkerConfig {
	wc := DefaultWorkerConfig()
	wc.Pulse = c.Pulse
	wc.CallTimeout = c.CallTimeout
	wc.WaitTimeout = c.WaitTimeout
	if ct, err := codec.ParseCodecType(c.Codec); err == nil {
		wc.Codec = ct
	}
	if c.MaxFrameSize != 0 {
		wc.MaxFrameSize = c.MaxFrameSize
	}
	if c.LogLevel != "" {
		wc.LogLevel = c.LogLevel
	}
	wc.CallRate = c.CallRate
	wc.CallBurst = c.CallBurst
	return wc
}

// Build instantiates the worker value in ectx and fills it from Params.
func (s WorkerSpec) Build(ectx *execution.Context) (any, error) {
	return ectx.Instantiate(s.Type, func(target any) error {
		if s.Params.IsZero() {
			return nil
		}
		return s.Params.Decode(target)
	})
}
