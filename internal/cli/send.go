package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"nostr-groups/internal/actions"
)

type SendOptions struct {
	*RootOptions
	Chat  bool
	Reply string
}

func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <relay> <group> <content...>",
		Short: "Post a note to a group",
		Long: `Post a note to a group, signed with the stored key.

Example:
  nip29 send wss://groups.example.com group123 hello everyone
  nip29 send wss://groups.example.com group123 --reply <note-id> agreed`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer opts.closeEnv()
			return runSend(cmd, opts, args[0], args[1], strings.Join(args[2:], " "))
		},
	}

	cmd.Flags().BoolVar(&opts.Chat, "chat", false, "post to the chat timeline")
	cmd.Flags().StringVar(&opts.Reply, "reply", "", "id of the note being replied to")

	return cmd
}

func runSend(cmd *cobra.Command, opts *SendOptions, relay, groupID, content string) error {
	if relay == "" || groupID == "" {
		return NewExitError(ExitCommandError, "relay and group are required")
	}
	env, err := opts.Env(cmd)
	if err != nil {
		return err
	}
	if _, err := env.Keystore.PublicKey(); err != nil {
		return WrapExitError(ExitCommandError, "no signing key, run 'nip29 key import' first", err)
	}
	out := opts.formatter(cmd)

	done := make(chan error, 1)
	params := actions.SendParams{
		Relay:     relay,
		GroupID:   groupID,
		Content:   content,
		ParentID:  opts.Reply,
		OnSuccess: func() { done <- nil },
		OnError:   func(err error) { done <- err },
	}
	sender := env.Sender()
	if opts.Chat {
		sender.SendGroupChatNote(params)
	} else {
		sender.SendGroupNote(params)
	}

	if err := <-done; err != nil {
		_ = out.Error("publish_failed", err.Error())
		return WrapExitError(ExitFailure, "publish", err)
	}
	return out.Success("sent to " + relay)
}
