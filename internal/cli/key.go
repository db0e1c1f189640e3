package cli

import (
	"bufio"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/cobra"

	"nostr-groups/internal/keystore"
)

func NewKeyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the signing key",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import [nsec|hex]",
		Short: "Store a secret key, read from the argument or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer rootOpts.closeEnv()
			env, err := rootOpts.Env(cmd)
			if err != nil {
				return err
			}

			var value string
			if len(args) == 1 {
				value = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return WrapExitError(ExitCommandError, "read key from stdin", err)
				}
				value = strings.TrimSpace(line)
			}

			pk, err := keystore.Import(env.Keystore, value)
			if err != nil {
				return WrapExitError(ExitCommandError, "import key", err)
			}
			return rootOpts.formatter(cmd).Success(publicKey(pk))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the public key of the stored key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer rootOpts.closeEnv()
			env, err := rootOpts.Env(cmd)
			if err != nil {
				return err
			}
			pk, err := env.Keystore.PublicKey()
			if err != nil {
				return WrapExitError(ExitCommandError, "load key", err)
			}
			return rootOpts.formatter(cmd).Success(publicKey(pk))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "erase",
		Short: "Delete the stored key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer rootOpts.closeEnv()
			env, err := rootOpts.Env(cmd)
			if err != nil {
				return err
			}
			if err := env.Keystore.Erase(); err != nil {
				return WrapExitError(ExitCommandError, "erase key", err)
			}
			return rootOpts.formatter(cmd).Success("key erased")
		},
	})

	return cmd
}

type pubkeyOutput struct {
	Hex  string `json:"hex"`
	Npub string `json:"npub"`
}

func (p pubkeyOutput) String() string { return p.Npub }

func publicKey(hex string) pubkeyOutput {
	npub, _ := nip19.EncodePublicKey(hex)
	return pubkeyOutput{Hex: hex, Npub: npub}
}
