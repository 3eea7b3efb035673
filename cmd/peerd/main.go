package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/peerwire/internal/config"
	"github.com/danmuck/peerwire/internal/node"
	"github.com/danmuck/peerwire/internal/observability"
	"github.com/danmuck/peerwire/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "peerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		o          overrides
	)
	root := &cobra.Command{
		Use:           "peerd",
		Short:         "Run a peerwire node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadNodeConfig(configPath, o)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to a node config (TOML)")
	root.Flags().StringVar(&o.name, "name", "", "override the node name")
	root.Flags().StringVar(&o.admin, "admin", "", "override the admin listen address")
	root.Flags().StringVar(&o.token, "admin-token", "", "bearer token guarding the admin peer routes")
	root.Flags().StringArrayVar(&o.listen, "listen", nil, "listener as kind://host:port[/path], repeatable; replaces configured listeners")

	root.AddCommand(newInitCmd(), newValidateCmd())
	return root
}

func newInitCmd() *cobra.Command {
	var (
		kind   string
		output string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				doc, err := config.Template(kind)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), doc)
				return err
			}
			if err := config.WriteTemplate(output, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", kind, output)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "node", "template kind: node|relay")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (stdout when empty)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config.toml>",
		Short: "Check a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: name=%s listeners=%d upstreams=%d services=%v\n",
				cfg.Name, len(cfg.Listen), len(cfg.Upstream), cfg.Services.Enable)
			return nil
		},
	}
}

// run serves the node and its admin surface until ctx ends.
func run(ctx context.Context, cfg config.NodeConfig) error {
	observability.InitLogger("peerd")
	observability.RegisterMetrics()

	regs, err := buildRegistries(cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range regs {
			r.Close()
		}
	}()
	nc, err := cfg.Node()
	if err != nil {
		return err
	}
	n, err := node.New(nc, serviceMaps(regs)...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 2)
	go func() { errc <- n.Run(ctx) }()
	if cfg.Admin.Addr != "" {
		admin := server.New(cfg.Server(), n)
		go func() { errc <- admin.Run(ctx) }()
	} else {
		errc <- nil
	}
	log.Info().Str("node", cfg.Name).Str("admin", cfg.Admin.Addr).Msg("peerd started")

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil && !errors.Is(err, context.Canceled) && first == nil {
			first = err
			cancel()
		}
	}
	log.Info().Str("node", cfg.Name).Msg("peerd stopped")
	return first
}
