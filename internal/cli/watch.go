package cli

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"

	"nostr-groups/internal/nip29"
	"nostr-groups/internal/query"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Chat    bool
	Author  string
	Parent  string
	ID      string
	Since   int64
	Until   int64
	Limit   int
	Pages   int
	Follow  bool
	Timeout time.Duration
}

func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <relay> <group>",
		Short: "Print a group's notes",
		Long: `Print the latest notes of a group, optionally paging further back
and following new notes as they arrive.

Example:
  nip29 watch wss://groups.example.com group123 --limit 20 --pages 2 --follow`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer opts.closeEnv()
			return runWatch(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().BoolVar(&opts.Chat, "chat", false, "read the chat timeline")
	cmd.Flags().StringVar(&opts.Author, "author", "", "only notes by this pubkey")
	cmd.Flags().StringVar(&opts.Parent, "parent", "", "only replies to this note id")
	cmd.Flags().StringVar(&opts.ID, "id", "", "only the note with this id")
	cmd.Flags().Int64Var(&opts.Since, "since", 0, "unix time lower bound")
	cmd.Flags().Int64Var(&opts.Until, "until", 0, "unix time upper bound")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size (default 10)")
	cmd.Flags().IntVar(&opts.Pages, "pages", 0, "older pages to load after the first")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "keep printing new notes")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 15*time.Second, "how long to wait for stored notes")

	return cmd
}

func (opts *WatchOptions) refinement() *nip29.Refinement {
	ref := &nip29.Refinement{Limit: opts.Limit}
	if opts.Author != "" {
		ref.ByPubkey = &nip29.ByPubkey{Pubkey: opts.Author}
	}
	if opts.Parent != "" {
		ref.ByParentID = &nip29.ByParentID{ParentID: opts.Parent}
	}
	if opts.ID != "" {
		ref.ByID = &nip29.ByID{ID: opts.ID}
	}
	if opts.Since > 0 {
		since := nostr.Timestamp(opts.Since)
		ref.Since = &since
	}
	if opts.Until > 0 {
		until := nostr.Timestamp(opts.Until)
		ref.Until = &until
	}
	return ref
}

// timeline is the part of the notes and chat notes hooks watch uses.
type timeline struct {
	use   func() (notes []nip29.Note, loading, hasMore bool, loadMore func())
	close func()
}

func newTimeline(c *query.Client, chat bool, relay, groupID string, ref *nip29.Refinement, onChange func()) timeline {
	if chat {
		hook := query.NewGroupChatNotes(c, onChange)
		return timeline{
			use: func() ([]nip29.Note, bool, bool, func()) {
				r := hook.Use(relay, groupID, ref)
				return r.ChatNotes, r.IsLoadingChatNotes, r.HasMoreChatNotes, r.LoadMoreChatNotes
			},
			close: hook.Close,
		}
	}
	hook := query.NewGroupNotes(c, onChange)
	return timeline{
		use: func() ([]nip29.Note, bool, bool, func()) {
			r := hook.Use(relay, groupID, ref)
			return r.Notes, r.IsLoadingNotes, r.HasMoreNotes, r.LoadMoreNotes
		},
		close: hook.Close,
	}
}

func runWatch(cmd *cobra.Command, opts *WatchOptions, relay, groupID string) error {
	env, err := opts.Env(cmd)
	if err != nil {
		return err
	}
	out := opts.formatter(cmd)

	client := env.QueryClient()
	defer client.Close()

	changed := make(chan struct{}, 1)
	tl := newTimeline(client, opts.Chat, relay, groupID, opts.refinement(), func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer tl.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	printed := make(map[string]bool)
	flush := func(notes []nip29.Note) error {
		for _, n := range notes {
			if printed[n.ID] {
				continue
			}
			printed[n.ID] = true
			if err := out.Note(n); err != nil {
				return err
			}
		}
		return nil
	}

	// wait blocks until the timeline is idle, the deadline passes or ctx ends.
	wait := func(deadline <-chan time.Time) (notes []nip29.Note, hasMore bool, loadMore func(), ok bool) {
		for {
			notes, loading, hasMore, loadMore := tl.use()
			if !loading {
				return notes, hasMore, loadMore, true
			}
			select {
			case <-changed:
			case <-deadline:
				return notes, hasMore, loadMore, false
			case <-ctx.Done():
				return notes, hasMore, loadMore, false
			}
		}
	}

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	notes, hasMore, loadMore, ok := wait(timer.C)
	if !ok {
		if err := flush(notes); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "timed out waiting for stored notes")
	}
	for page := 0; page < opts.Pages && hasMore; page++ {
		out.VerboseLog("loading page %d", page+1)
		select {
		case <-changed:
		default:
		}
		loadMore()
		// LoadMore flips the subscription to loading before fetching; give
		// the background call a chance to start before waiting for idle.
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
		}
		notes, hasMore, loadMore, _ = wait(timer.C)
	}
	if err := flush(notes); err != nil {
		return err
	}

	if !opts.Follow {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			notes, _, _, _ := tl.use()
			if err := flush(notes); err != nil {
				return err
			}
		}
	}
}
