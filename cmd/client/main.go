// Package main implements the interactive memmesh client.
//
// The client connects to one node (chosen by --index, or at random) and reads
// commands from standard input:
//
//	read <address>
//	write <address> <data>      data is an integer if it parses as one
//	lock <address>
//	unlock <address> <ltag>
//	dumpcache
//	disconnect
//
// Any node can serve any address; requests for addresses it does not own are
// forwarded. If the connection fails, the client reconnects to the first
// configured node that answers.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/memmesh/internal/config"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MEMMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:          "client",
		Short:        "Interactive memmesh client",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := v.GetString("config")
			if path == "" {
				return errors.New("--config is required")
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			index := v.GetInt("index")
			if index < 0 {
				index = rand.Intn(len(cfg.Servers))
			}
			if index >= len(cfg.Servers) {
				return errors.Errorf("node index %d out of range [0, %d)", index, len(cfg.Servers))
			}

			r := newREPL(cfg, cmd.InOrStdin(), cmd.OutOrStdout())
			return r.Run(ctx, index)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to the cluster configuration file")
	flags.Int("index", -1, "node to connect to (random if negative)")
	_ = v.BindPFlags(flags)

	return cmd
}
