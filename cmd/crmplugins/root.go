package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/crmplugins/internal/config"
	"github.com/dshills/crmplugins/internal/host"
	"github.com/dshills/crmplugins/internal/logging"
	"github.com/dshills/crmplugins/internal/plugin"
	"github.com/dshills/crmplugins/internal/plugin/hook"
)

const shutdownTimeout = 30 * time.Second

// errValidation marks a validate run in which some plugin failed.
var errValidation = errors.New("plugin validation failed")

type rootOptions struct {
	configPath string
}

func (o *rootOptions) load() (config.Config, error) {
	return config.Load(o.configPath)
}

func newRootCommand(version, commit, date string) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "crmplugins",
		Short: "Sandboxed Lua plugin host for the CRM",
		Long: `crmplugins loads CRM extension plugins written in Lua, screens their
source before anything runs, and executes them in a restricted sandbox
with a per-plugin capability table.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the TOML configuration file")

	root.AddCommand(
		newRunCommand(opts),
		newValidateCommand(opts),
		newListCommand(opts),
		newDispatchCommand(opts),
	)
	return root
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Load all plugins and serve the admin endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			h, err := host.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := h.Start(ctx); err != nil {
				_ = h.Shutdown(context.Background())
				return err
			}
			serveErr := h.Serve(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return errors.Join(serveErr, h.Shutdown(shutdownCtx))
		},
	}
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path...]",
		Short: "Screen plugin sources without running them",
		Long: `Validate screens each plugin directory or entry file for forbidden
constructs and compiles it. Nothing is executed. Without arguments every
registered plugin is validated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				descs, err := host.Source(cfg.Plugins, logging.Discard()).List(cmd.Context())
				if err != nil {
					return err
				}
				for _, d := range descs {
					args = append(args, d.Path)
				}
			}

			m := plugin.NewManager(
				plugin.WithLogger(logging.Discard()),
				plugin.WithSharedLibraries(cfg.Plugins.SharedLibraries...),
				plugin.WithPrivateDir(cfg.Plugins.PrivateDir),
			)
			return validatePaths(cmd.OutOrStdout(), m, args)
		},
	}
}

func validatePaths(out io.Writer, m *plugin.Manager, paths []string) error {
	failed := 0
	for _, path := range paths {
		if err := m.ValidatePluginCode(path); err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s\n", path)
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errValidation, failed, len(paths))
	}
	return nil
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			descs, err := host.Source(cfg.Plugins, logging.Discard()).List(cmd.Context())
			if err != nil {
				return err
			}
			return printDescriptors(cmd.OutOrStdout(), descs, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printDescriptors(out io.Writer, descs []plugin.Descriptor, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(descs)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tPATH")
	for _, d := range descs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Version, d.Path)
	}
	return tw.Flush()
}

func newDispatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <action> [json-args]",
		Short: "Load plugins, route one action and print the result",
		Example: `  crmplugins dispatch lead.created '{"id": "L-42"}'
  crmplugins dispatch plugin.scorer.score`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			cfg.Plugins.Watch = false

			actionArgs := map[string]any{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &actionArgs); err != nil {
					return fmt.Errorf("action arguments: %w", err)
				}
			}

			h, err := host.New(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = h.Shutdown(context.Background()) }()
			if err := h.Start(cmd.Context()); err != nil {
				return err
			}

			res := h.Dispatch(cmd.Context(), hook.Action{Name: args[0], Args: actionArgs})
			return printResult(cmd.OutOrStdout(), res)
		},
	}
}

func printResult(out io.Writer, res hook.Result) error {
	if !res.OK() {
		if res.Plugin == "" {
			return res.Err
		}
		return fmt.Errorf("%s.%s: %w", res.Plugin, res.Function, res.Err)
	}
	if res.Message != "" {
		fmt.Fprintln(out, res.Message)
	}
	if res.Data != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Data)
	}
	return nil
}
