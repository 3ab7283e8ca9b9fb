package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkrpc/codec"
	"forkrpc/diagnostics"
	"forkrpc/protocol"
)

func TestParseWorkerArgsPositional(t *testing.T) {
	cfg, err := ParseWorkerArgs([]string{"50", "100", "200"})
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, cfg.Pulse)
	assert.Equal(t, 100*time.Millisecond, cfg.CallTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.WaitTimeout)
	assert.Equal(t, codec.CodecTypeJSON, cfg.Codec)
	assert.Equal(t, protocol.DefaultMaxFrameSize, cfg.MaxFrameSize)
}

func TestParseWorkerArgsFlags(t *testing.T) {
	cfg, err := ParseWorkerArgs([]string{"--codec=cbor", "1000", "2000", "3000", "--log-level", "debug", "--call-rate=5", "--call-burst=2"})
	require.NoError(t, err)
	assert.Equal(t, codec.CodecTypeCBOR, cfg.Codec)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5.0, cfg.CallRate)
	assert.Equal(t, 2, cfg.CallBurst)
	assert.Equal(t, 3*time.Second, cfg.WaitTimeout)
}

func TestParseWorkerArgsErrors(t *testing.T) {
	for name, args := range map[string][]string{
		"missing":  {"50", "100"},
		"extra":    {"50", "100", "200", "300"},
		"negative": {"50", "-1", "200"},
		"garbage":  {"50", "soon", "200"},
		"codec":    {"50", "100", "200", "--codec=xml"},
		"flag":     {"50", "100", "200", "--nope"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseWorkerArgs(args)
			assert.Error(t, err)
		})
	}
}

func TestWorkerArgsInverse(t *testing.T) {
	want := DefaultWorkerConfig()
	want.Pulse = 50 * time.Millisecond
	want.Codec = codec.CodecTypeCBOR
	want.LogLevel = "warn"
	want.CallRate = 2.5
	want.CallBurst = 3

	got, err := ParseWorkerArgs(want.Args())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

const poolYAML = `
command: /usr/local/bin/forkworker
max_workers: 2
pulse: 50ms
wait_timeout: 2s
codec: cbor
context:
  name: diagnostics
  settings:
    region: eu
worker:
  type: diagnostics.worker
  params:
    prefix: "> "
registry:
  endpoints: [127.0.0.1:2379]
`

func TestLoadPoolConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(poolYAML), 0o600))

	cfg, err := LoadPoolConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/forkworker", cfg.Command)
	assert.Equal(t, 2, cfg.MaxWorkers)
	assert.Equal(t, 50*time.Millisecond, cfg.Pulse)
	assert.Equal(t, DefaultCallTimeout, cfg.CallTimeout)
	assert.Equal(t, 2*time.Second, cfg.WaitTimeout)
	assert.Equal(t, DefaultAckTimeout, cfg.AckTimeout)
	assert.Equal(t, "diagnostics", cfg.Context.Name)
	assert.Equal(t, "eu", cfg.Context.Settings["region"])
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Registry.Endpoints)
	assert.Equal(t, int64(DefaultRegistryTTL), cfg.Registry.TTL)

	wc := cfg.WorkerConfig()
	assert.Equal(t, codec.CodecTypeCBOR, wc.Codec)
	assert.Equal(t, 50*time.Millisecond, wc.Pulse)

	ectx, err := diagnostics.NewContext(cfg.Context.Settings, codec.GetCodec(wc.Codec))
	require.NoError(t, err)
	w, err := cfg.Worker.Build(ectx)
	require.NoError(t, err)
	assert.Equal(t, &diagnostics.Worker{Prefix: "> "}, w)
}

func TestPoolConfigValidate(t *testing.T) {
	_, err := LoadPoolConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	for name, doc := range map[string]string{
		"no command": "context: {name: diagnostics}\nworker: {type: diagnostics.worker}\n",
		"no context": "command: w\nworker: {type: diagnostics.worker}\n",
		"no worker":  "command: w\ncontext: {name: diagnostics}\n",
		"workers":    "command: w\nmax_workers: 0\ncontext: {name: diagnostics}\nworker: {type: diagnostics.worker}\n",
		"codec":      "command: w\ncodec: xml\ncontext: {name: diagnostics}\nworker: {type: diagnostics.worker}\n",
		"yaml":       "command: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePoolConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestWorkerSpecWithoutParams(t *testing.T) {
	cfg, err := ParsePoolConfig([]byte("command: w\ncontext: {name: diagnostics}\nworker: {type: diagnostics.worker}\n"))
	require.NoError(t, err)

	ectx, err := diagnostics.NewContext(nil, &codec.JSONCodec{})
	require.NoError(t, err)
	w, err := cfg.Worker.Build(ectx)
	require.NoError(t, err)
	assert.Equal(t, &diagnostics.Worker{}, w)
}
