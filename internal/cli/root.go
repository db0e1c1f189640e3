// Package cli implements the nip29 command line client.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"nostr-groups/internal/actions"
	"nostr-groups/internal/config"
	"nostr-groups/internal/keystore"
	"nostr-groups/internal/logging"
	"nostr-groups/internal/query"
	"nostr-groups/internal/registry"
	"nostr-groups/internal/relay"
	"nostr-groups/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	load EnvLoader
	env  *Env
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Relays is what the commands need from the network: live subscriptions,
// page fetches and publishing.
type Relays interface {
	registry.RelayClient
	actions.Publisher
}

// Env is the wiring a command runs against.
type Env struct {
	Config   config.Config
	Logger   *slog.Logger
	Relays   Relays
	Keystore keystore.Keystore
	Close    func()
}

type EnvLoader func(opts *RootOptions, stderr io.Writer) (*Env, error)

// QueryClient builds a fresh registry and store over the env's relays.
func (e *Env) QueryClient() *query.Client {
	reg := registry.New(e.Relays,
		registry.WithLogger(e.Logger),
		registry.WithLinger(e.Config.Subscriptions.Linger),
		registry.WithFetchTimeout(e.Config.Subscriptions.FetchTimeout),
	)
	return query.NewClient(reg, store.New(e.Logger), e.Logger)
}

func (e *Env) Sender() *actions.Sender {
	return actions.NewSender(e.Relays, e.Keystore, e.Logger, e.Config.Publish.Timeout)
}

// LoadEnv reads the config file and connects the real relay pool and
// keystore.
func LoadEnv(opts *RootOptions, stderr io.Writer) (*Env, error) {
	path := opts.ConfigPath
	if path == "" {
		var err error
		if path, err = config.Path(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if opts.Verbose {
		level = "debug"
	}
	logger := logging.Init(logging.Options{Level: level, Format: cfg.Log.Format, Writer: stderr})

	pool := relay.NewPool(logger)
	return &Env{
		Config:   cfg,
		Logger:   logger,
		Relays:   pool,
		Keystore: keystore.Open(cfg.KeyDir, logger),
		Close:    pool.Close,
	}, nil
}

// NewRootCommand creates the root command wired to the real network.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithEnv(LoadEnv)
}

// NewRootCommandWithEnv creates the root command with a custom env loader.
func NewRootCommandWithEnv(load EnvLoader) *cobra.Command {
	opts := &RootOptions{load: load}

	cmd := &cobra.Command{
		Use:   "nip29",
		Short: "nip29 - relay-based group client",
		Long:  "Follow, page through and post to NIP-29 relay groups.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default $"+config.EnvPath+" or "+config.DefaultPath+")")

	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewMetadataCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewKeyCommand(opts))

	return cmd
}

// Env loads the command environment once per invocation.
func (opts *RootOptions) Env(cmd *cobra.Command) (*Env, error) {
	if opts.env != nil {
		return opts.env, nil
	}
	env, err := opts.load(opts, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load environment", err)
	}
	opts.env = env
	return env, nil
}

func (opts *RootOptions) closeEnv() {
	if opts.env != nil && opts.env.Close != nil {
		opts.env.Close()
	}
	opts.env = nil
}

func (opts *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
