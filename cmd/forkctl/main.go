// Command forkctl drives a pool of forked workers described by a YAML file.
//
//	forkctl --config pool.yaml ping
//	forkctl --config pool.yaml call echo '"hello"'
//	forkctl --config pool.yaml --repeat 20 --resource greeting=./greeting.txt call check greeting hello
//	forkctl --config pool.yaml workers
//
// Call arguments are YAML scalars: 42 is an int, 1.5 a float64, true a bool and
// anything else a string.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"forkrpc/client"
	"forkrpc/config"
	"forkrpc/diagnostics"
	"forkrpc/logging"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

type options struct {
	configPath  string
	logLevel    string
	resources   map[string]string
	repeat      int
	metricsAddr string
	timeout     time.Duration
}

func run(args []string, out io.Writer) int {
	var opts options
	fs := flag.NewFlagSet("forkctl", flag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "forkrpc.yaml", "Pool configuration file")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "Log level")
	fs.StringToStringVar(&opts.resources, "resource", nil, "Resource served to workers, as name=file")
	fs.IntVar(&opts.repeat, "repeat", 1, "Run the call this many times, concurrently up to max_workers")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address while running")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "Overall deadline")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: forkctl [flags] ping | call <method> [args...] | workers")
		return 2
	}

	log, err := logging.New(opts.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer log.Sync()

	if err := execute(opts, rest, out, log); err != nil {
		log.Error("forkctl failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func execute(opts options, rest []string, out io.Writer, log *zap.Logger) error {
	cfg, err := config.LoadPoolConfig(opts.configPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if opts.metricsAddr != "" {
		srv := &http.Server{Addr: opts.metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	c, err := client.FromConfig(cfg, diagnostics.Catalog(),
		client.WithLogger(log),
		client.WithRegisterer(reg),
		client.WithResources(fileResources(opts.resources)))
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	switch rest[0] {
	case "ping":
		if err := c.Ping(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "pong")
		return nil

	case "workers":
		if err := c.Warm(ctx, cfg.MaxWorkers); err != nil {
			return err
		}
		workers, err := c.Workers(ctx)
		if err != nil {
			return err
		}
		for _, w := range workers {
			fmt.Fprintf(out, "%s\tpid=%d\thost=%s\tstarted=%s\n", w.ID, w.PID, w.Host, w.Started.Format(time.RFC3339))
		}
		return nil

	case "call":
		if len(rest) < 2 {
			return errors.New("call: method name required")
		}
		callArgs, err := parseArguments(rest[2:])
		if err != nil {
			return err
		}
		return repeatCall(ctx, c, opts.repeat, rest[1], callArgs, out)
	}
	return errors.Errorf("unknown command %q", rest[0])
}

func repeatCall(ctx context.Context, c *client.Client, n int, method string, args []any, out io.Writer) error {
	results := make([]error, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			results[i] = c.Call(gctx, method, args...)
			return nil
		})
	}
	g.Wait()

	var failed int
	for i, err := range results {
		if err != nil {
			failed++
			fmt.Fprintf(out, "#%d fault: %v\n", i, err)
			continue
		}
		fmt.Fprintf(out, "#%d ok\n", i)
	}
	if failed > 0 {
		return errors.Errorf("%d of %d calls failed", failed, n)
	}
	return nil
}

// parseArguments decodes each argument as a YAML scalar.
func parseArguments(raw []string) ([]any, error) {
	args := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := yaml.Unmarshal([]byte(s), &v); err != nil {
			return nil, errors.Wrapf(err, "argument %d", i+1)
		}
		switch v.(type) {
		case nil, string, int, float64, bool:
		default:
			return nil, errors.Errorf("argument %d: only scalars are supported, got %T", i+1, v)
		}
		args[i] = v
	}
	return args, nil
}

// fileResources serves each named resource from the contents of its file.
func fileResources(files map[string]string) func(string) ([]byte, bool) {
	return func(name string) ([]byte, bool) {
		path, ok := files[name]
		if !ok {
			return nil, false
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, false
		}
		return data, true
	}
}
