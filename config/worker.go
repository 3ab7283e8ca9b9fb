// Package config holds the two configuration surfaces of forkrpc: the launch arguments
// a worker process is started with, and the parent-side pool configuration file.
package config

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"forkrpc/codec"
	"forkrpc/protocol"
)

// Defaults for a worker launched without explicit values.
const (
	DefaultPulse       = 5 * time.Second
	DefaultCallTimeout = 60 * time.Second
	DefaultWaitTimeout = 60 * time.Second
)

// WorkerConfig is everything a worker process reads from its command line.
type WorkerConfig struct {
	Pulse        time.Duration   // Supervisor sampling period
	CallTimeout  time.Duration   // Longest allowed call before the worker kills itself
	WaitTimeout  time.Duration   // Longest allowed idle period
	Codec        codec.CodecType // Frame payload codec, must match the parent
	MaxFrameSize uint32
	LogLevel     string
	CallRate     float64 // Calls per second admitted by the rate limiter, 0 = unlimited
	CallBurst    int
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Pulse:        DefaultPulse,
		CallTimeout:  DefaultCallTimeout,
		WaitTimeout:  DefaultWaitTimeout,
		Codec:        codec.CodecTypeJSON,
		MaxFrameSize: protocol.DefaultMaxFrameSize,
		LogLevel:     "info",
		CallBurst:    1,
	}
}

// ParseWorkerArgs parses the worker command line:
//
//	forkworker <pulse-ms> <call-timeout-ms> <wait-timeout-ms> [--codec json|cbor] [--max-frame-size N] [--log-level L]
//
// The three positional values are required.
func ParseWorkerArgs(args []string) (WorkerConfig, error) {
	cfg := DefaultWorkerConfig()
	fs := flag.NewFlagSet("forkworker", flag.ContinueOnError)
	fs.SetInterspersed(true)

	var codecName string
	fs.StringVar(&codecName, "codec", "json", "Frame payload codec (json|cbor)")
	fs.Uint32Var(&cfg.MaxFrameSize, "max-frame-size", cfg.MaxFrameSize, "Largest accepted frame body in bytes")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug|info|warn|error)")
	fs.Float64Var(&cfg.CallRate, "call-rate", 0, "Calls per second admitted, 0 disables rate limiting")
	fs.IntVar(&cfg.CallBurst, "call-burst", cfg.CallBurst, "Rate limiter burst")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	pos := fs.Args()
	if len(pos) != 3 {
		return cfg, errors.Errorf("config: expected 3 positional arguments (pulse, call timeout, wait timeout in ms), got %d", len(pos))
	}
	durations := []*time.Duration{&cfg.Pulse, &cfg.CallTimeout, &cfg.WaitTimeout}
	for i, raw := range pos {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			return cfg, errors.Errorf("config: argument %d: invalid milliseconds %q", i+1, raw)
		}
		*durations[i] = time.Duration(ms) * time.Millisecond
	}

	c, err := codec.ParseCodecType(codecName)
	if err != nil {
		return cfg, err
	}
	cfg.Codec = c
	return cfg, nil
}

// Args renders cfg as a worker command line, the inverse of ParseWorkerArgs.
func (c WorkerConfig) Args() []string {
	args := []string{
		strconv.FormatInt(c.Pulse.Milliseconds(), 10),
		strconv.FormatInt(c.CallTimeout.Milliseconds(), 10),
		strconv.FormatInt(c.WaitTimeout.Milliseconds(), 10),
		"--codec=" + c.Codec.String(),
	}
	if c.MaxFrameSize != 0 {
		args = append(args, "--max-frame-size="+strconv.FormatUint(uint64(c.MaxFrameSize), 10))
	}
	if c.LogLevel != "" {
		args = append(args, "--log-level="+c.LogLevel)
	}
	if c.CallRate > 0 {
		args = append(args,
			"--call-rate="+strconv.FormatFloat(c.CallRate, 'f', -1, 64),
			"--call-burst="+strconv.Itoa(c.CallBurst))
	}
	return args
}
