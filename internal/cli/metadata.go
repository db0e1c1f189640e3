package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"nostr-groups/internal/query"
)

type MetadataOptions struct {
	*RootOptions
	Timeout time.Duration
}

func NewMetadataCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MetadataOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "metadata <relay> <group>",
		Short: "Print a group's name, picture and flags",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer opts.closeEnv()
			return runMetadata(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 15*time.Second, "how long to wait for the relay")

	return cmd
}

func runMetadata(cmd *cobra.Command, opts *MetadataOptions, relay, groupID string) error {
	env, err := opts.Env(cmd)
	if err != nil {
		return err
	}
	out := opts.formatter(cmd)

	client := env.QueryClient()
	defer client.Close()

	changed := make(chan struct{}, 1)
	hook := query.NewGroupMetadata(client, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer hook.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	for {
		res := hook.Use(relay, groupID)
		if !res.IsLoadingMetadata {
			if res.Metadata == nil {
				_ = out.Error("not_found", "no metadata for group "+groupID)
				return NewExitError(ExitFailure, "group metadata not found")
			}
			return out.Metadata(groupID, *res.Metadata)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return WrapExitError(ExitFailure, "waiting for group metadata", ctx.Err())
		}
	}
}
