package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"alertrelay/services/api"
)

const defaultServer = "http://localhost:8080"

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	server string
	output string
	out    io.Writer
}

func (o *options) client() *api.Client {
	return api.NewClient(o.server, nil)
}

func (o *options) print(v any) error {
	switch strings.ToLower(o.output) {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(o.out, string(data))
		return err
	case "yaml", "":
		enc := yaml.NewEncoder(o.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want yaml or json)", o.output)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := &options{out: out}

	server := os.Getenv("RELAY_SERVER")
	if server == "" {
		server = defaultServer
	}

	cmd := &cobra.Command{
		Use:           "relayctl",
		Short:         "Control a running alert relay daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", server, "Base URL of relayd (env RELAY_SERVER)")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "yaml", "Output format: yaml or json")

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newStartCommand(opts))
	cmd.AddCommand(newStopCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newSessionsCommand(opts))
	cmd.AddCommand(newUsersCommand(opts))
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the relay scheduler state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().Status(commandContext(cmd))
			if err != nil {
				return err
			}
			return opts.print(status)
		},
	}
}

func newStartCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Resume relaying notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Start(commandContext(cmd)); err != nil {
				return err
			}
			_, err := fmt.Fprintln(opts.out, "relay started")
			return err
		},
	}
}

func newStopCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Pause relaying notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Stop(commandContext(cmd)); err != nil {
				return err
			}
			_, err := fmt.Fprintln(opts.out, "relay stopped")
			return err
		},
	}
}

func newTokenCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect or replace the directory API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report whether a token is configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().TokenStatus(commandContext(cmd))
			if err != nil {
				return err
			}
			return opts.print(status)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <token>",
		Short: "Validate and store a new token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().SetToken(commandContext(cmd), args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintln(opts.out, "token updated")
			return err
		},
	})
	return cmd
}

func newSessionsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List registered sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.client().Sessions(commandContext(cmd))
			if err != nil {
				return err
			}
			return opts.print(list)
		},
	}
}

func newUsersCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List the cached user directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := opts.client().Users(commandContext(cmd))
			if err != nil {
				return err
			}
			return opts.print(users)
		},
	}
}
