// Package main implements the memmesh node, one member of a distributed
// shared memory cluster.
//
// Every node owns a contiguous slice of the global address space, determined
// by its position in the configured server list, and caches values it reads
// from other nodes. Writes to an address are pushed to every node holding a
// cached copy.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                 Node                    │
//	├─────────────────────────────────────────┤
//	│  TCP (framed JSON):                     │
//	│    serve_read / serve_write             │
//	│    serve_acquire_lock / release_lock    │
//	│    serve_update_cache / dump_cache      │
//	├─────────────────────────────────────────┤
//	│  Admin HTTP (optional):                 │
//	│    /health /info /cache /metrics        │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - --config, MEMMESH_CONFIG: cluster YAML file (required)
//   - --index, MEMMESH_INDEX: position in the server list (required)
//   - --http-addr, MEMMESH_HTTP_ADDR: admin listen address (default: disabled)
//
// Example usage:
//
//	node --config memmesh.yaml --index 0 --http-addr :8090
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dreamware/memmesh/internal/config"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newCommand builds the root command. Flags can also be set through
// MEMMESH_-prefixed environment variables.
func newCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MEMMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:          "node",
		Short:        "Run a memmesh node",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, options{
				configPath: v.GetString("config"),
				index:      v.GetInt("index"),
				httpAddr:   v.GetString("http-addr"),
			})
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to the cluster configuration file")
	flags.Int("index", -1, "position of this node in the configured server list")
	flags.String("http-addr", "", "listen address for the admin HTTP API (disabled if empty)")
	_ = v.BindPFlags(flags)

	return cmd
}

type options struct {
	configPath string
	index      int
	httpAddr   string
}

func run(ctx context.Context, opts options) error {
	if opts.configPath == "" {
		return errors.New("--config is required")
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	log, err := cfg.Log.New(os.Stderr)
	if err != nil {
		return err
	}
	defer log.Sync()

	n, err := NewNode(cfg, opts.index, log)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", listenAddr(n.self.Port))
	if err != nil {
		return errors.Wrap(err, "listen")
	}

	var httpLn net.Listener
	if opts.httpAddr != "" {
		httpLn, err = net.Listen("tcp", opts.httpAddr)
		if err != nil {
			ln.Close()
			return errors.Wrap(err, "listen admin api")
		}
	}

	log.Info("Listening", zap.Stringer("addr", ln.Addr()), zap.String("config", opts.configPath))
	return n.Run(ctx, ln, httpLn)
}

// listenAddr binds every interface on the configured port.
func listenAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
