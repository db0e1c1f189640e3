package main

import (
	"context"
	"fmt"
	"image/color"
	"log/slog"
	"os"
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"

	"nostr-groups/internal/actions"
	"nostr-groups/internal/config"
	"nostr-groups/internal/keystore"
	"nostr-groups/internal/logging"
	"nostr-groups/internal/nip29"
	"nostr-groups/internal/query"
	"nostr-groups/internal/registry"
	"nostr-groups/internal/relay"
	"nostr-groups/internal/store"
)

const APPID = "com.nostrgroups.client"

var baseSize = fyne.Size{Width: 900, Height: 640}

// view is what the chat pane shows for the selected group.
type view struct {
	messages  []nip29.Note
	title     string
	about     string
	picture   string
	loading   bool
	hasMore   bool
	loadOlder func()
}

type client struct {
	a      fyne.App
	w      fyne.Window
	logger *slog.Logger
	keys   keystore.Keystore
	sender *actions.Sender
	people *people

	chat     *query.GroupChatNotes
	metadata *query.GroupMetadata

	// selections and refresh are drained by the single goroutine that owns
	// the hooks.
	selections chan LeftMenuItem
	refresh    chan struct{}

	mu       sync.Mutex
	relays   []SavedRelay
	names    map[LeftMenuItem]string
	menu     []LeftMenuItem
	selected LeftMenuItem
	current  view
	replyTo  string

	menuList     *widget.List
	messagesList *widget.List
	header       *widget.Label
	about        *widget.Label
	picture      *canvas.Image
	olderButton  *widget.Button
}

func main() {
	path, err := config.Path()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Init(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	pool := relay.NewPool(logger)
	defer pool.Close()

	reg := registry.New(pool,
		registry.WithLogger(logger),
		registry.WithLinger(cfg.Subscriptions.Linger),
		registry.WithFetchTimeout(cfg.Subscriptions.FetchTimeout),
	)
	qc := query.NewClient(reg, store.New(logger), logger)
	defer qc.Close()

	a := app.NewWithID(APPID)
	w := a.NewWindow("Nostr Groups")
	w.Resize(baseSize)

	keys := keystore.Open(cfg.KeyDir, logger)
	c := &client{
		a:          a,
		w:          w,
		logger:     logger,
		keys:       keys,
		sender:     actions.NewSender(pool, keys, logger, cfg.Publish.Timeout),
		people:     newPeople(pool, cfg.ProfileRelays, logger),
		selections: make(chan LeftMenuItem),
		refresh:    make(chan struct{}, 1),
		relays:     mergeRelays(getRelays(a.Preferences()), cfg.Relays),
		names:      make(map[LeftMenuItem]string),
	}
	c.chat = query.NewGroupChatNotes(qc, c.changed)
	c.metadata = query.NewGroupMetadata(qc, c.changed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.run(ctx)
	}()

	w.SetContent(c.layout())
	c.rebuildMenu()
	w.ShowAndRun()

	cancel()
	<-done
}

func (c *client) changed() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// run owns the hooks: every Use and Close happens here.
func (c *client) run(ctx context.Context) {
	defer c.chat.Close()
	defer c.metadata.Close()

	var selected LeftMenuItem
	for {
		select {
		case <-ctx.Done():
			return
		case selected = <-c.selections:
		case <-c.refresh:
		}
		c.render(selected)
	}
}

func (c *client) render(selected LeftMenuItem) {
	relayURL, groupID := selected.RelayURL, selected.GroupID
	chat := c.chat.Use(relayURL, groupID, nil)
	md := c.metadata.Use(relayURL, groupID)

	v := view{
		messages:  chronological(chat.ChatNotes),
		title:     groupID,
		loading:   chat.IsLoadingChatNotes || md.IsLoadingMetadata,
		hasMore:   chat.HasMoreChatNotes,
		loadOlder: chat.LoadMoreChatNotes,
	}
	if md.Metadata != nil {
		if md.Metadata.Name != "" {
			v.title = md.Metadata.Name
		}
		v.about = md.Metadata.About
		v.picture = md.Metadata.Picture
	}
	for _, n := range v.messages {
		c.people.ensure(n.Pubkey, c.changed)
	}

	c.mu.Lock()
	c.current = v
	renamed := md.Metadata != nil && rememberGroupName(c.names, selected, md.Metadata.Name)
	c.mu.Unlock()

	if renamed {
		c.rebuildMenu()
	}
	c.paint(v)
}

func (c *client) paint(v view) {
	title := v.title
	if v.loading {
		title += " (loading)"
	}
	c.header.SetText(title)
	c.about.SetText(v.about)
	c.picture.Image = pictureFromURL(v.picture)
	c.picture.Refresh()
	if v.hasMore && !v.loading {
		c.olderButton.Enable()
	} else {
		c.olderButton.Disable()
	}
	c.messagesList.Refresh()
	c.messagesList.ScrollToBottom()
}

func (c *client) rebuildMenu() {
	c.mu.Lock()
	c.menu = buildMenu(c.relays, c.names)
	c.mu.Unlock()
	c.menuList.Refresh()
}

func (c *client) layout() fyne.CanvasObject {
	c.messagesList = widget.NewList(
		func() int {
			c.mu.Lock()
			defer c.mu.Unlock()
			return len(c.current.messages)
		},
		func() fyne.CanvasObject {
			author := canvas.NewText("template", color.RGBA{139, 190, 178, 255})
			author.TextStyle.Bold = true
			author.Alignment = fyne.TextAlignLeading

			message := widget.NewLabel("template")
			message.Alignment = fyne.TextAlignLeading
			message.Wrapping = fyne.TextWrapWord

			return container.NewBorder(nil, nil, author, nil, message)
		},
		func(i widget.ListItemID, o fyne.CanvasObject) {
			c.mu.Lock()
			if i >= len(c.current.messages) {
				c.mu.Unlock()
				return
			}
			note := c.current.messages[i]
			c.mu.Unlock()

			content := note.Content
			if note.IsReply() {
				content = "↪ " + content
			}
			box := o.(*fyne.Container)
			box.Objects[0].(*widget.Label).SetText(content)
			author := box.Objects[1].(*canvas.Text)
			author.Text = fmt.Sprintf("[ %s ]", c.people.displayName(note.Pubkey))
			author.Refresh()
		},
	)
	c.messagesList.OnSelected = func(id widget.ListItemID) {
		c.mu.Lock()
		if id < len(c.current.messages) {
			c.replyTo = c.current.messages[id].ID
		}
		c.mu.Unlock()
	}

	inputWidget := widget.NewEntry()
	inputWidget.SetPlaceHolder("Say something...")
	submit := func() {
		message := inputWidget.Text
		if message == "" {
			return
		}
		c.mu.Lock()
		selected, replyTo := c.selected, c.replyTo
		c.replyTo = ""
		c.mu.Unlock()
		c.messagesList.UnselectAll()

		inputWidget.SetText("")
		publishChat(c.sender, selected, message, replyTo, func(err error) {
			if err != nil {
				dialog.ShowError(err, c.w)
			}
		})
	}
	inputWidget.OnSubmitted = func(string) { submit() }
	submitButton := widget.NewButton("Submit", submit)
	bottomBox := container.NewBorder(nil, nil, nil, submitButton, inputWidget)

	c.header = widget.NewLabelWithStyle("", fyne.TextAlignLeading, fyne.TextStyle{Bold: true})
	c.about = widget.NewLabel("")
	c.about.Wrapping = fyne.TextWrapWord
	c.picture = canvas.NewImageFromImage(placeholderPicture)
	c.picture.FillMode = canvas.ImageFillContain
	c.picture.SetMinSize(fyne.NewSize(48, 48))
	c.olderButton = widget.NewButtonWithIcon("Older", theme.MoveUpIcon(), func() {
		c.mu.Lock()
		loadOlder := c.current.loadOlder
		c.mu.Unlock()
		if loadOlder != nil {
			loadOlder()
		}
	})
	c.olderButton.Disable()
	topBox := container.NewBorder(nil, nil, c.picture, c.olderButton, container.NewVBox(c.header, c.about))

	c.menuList = widget.NewList(
		func() int {
			c.mu.Lock()
			defer c.mu.Unlock()
			return len(c.menu)
		},
		func() fyne.CanvasObject {
			return widget.NewLabel("template")
		},
		func(i widget.ListItemID, o fyne.CanvasObject) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if i < len(c.menu) {
				o.(*widget.Label).SetText(c.menu[i].label())
			}
		},
	)
	c.menuList.OnSelected = func(id widget.ListItemID) {
		c.mu.Lock()
		if id >= len(c.menu) {
			c.mu.Unlock()
			return
		}
		item := c.menu[id]
		c.selected = item
		c.replyTo = ""
		c.mu.Unlock()

		if item.IsRoot {
			item = LeftMenuItem{}
		}
		go func() { c.selections <- item }()
	}

	toolbar := widget.NewToolbar(
		widget.NewToolbarAction(theme.AccountIcon(), c.showKeyDialog),
		widget.NewToolbarSpacer(),
		widget.NewToolbarAction(theme.StorageIcon(), c.showRelayDialog),
		widget.NewToolbarAction(theme.FolderNewIcon(), c.showGroupDialog),
	)

	leftSide := container.NewBorder(nil, container.NewPadded(toolbar), nil, nil, container.NewPadded(c.menuList))
	rightSide := container.NewBorder(container.NewPadded(topBox), container.NewPadded(bottomBox), nil, nil, container.NewPadded(c.messagesList))

	split := container.NewHSplit(leftSide, rightSide)
	split.Offset = 0.3
	return split
}

func (c *client) showKeyDialog() {
	entry := widget.NewPasswordEntry()
	entry.SetPlaceHolder("nsec1...")
	dialog.ShowForm("Import a Nostr Private Key", "Import", "Cancel", []*widget.FormItem{
		widget.NewFormItem("Private Key", entry),
	}, func(ok bool) {
		if !ok || entry.Text == "" {
			return
		}
		pk, err := saveKey(c.keys, entry.Text)
		if err != nil {
			dialog.ShowError(err, c.w)
			return
		}
		c.logger.Info("key imported", "pubkey", pk)
	}, c.w)
}

func (c *client) showRelayDialog() {
	entry := widget.NewEntry()
	entry.SetPlaceHolder("wss://groups.example.com")
	dialog.ShowForm("Add a Nostr Relay", "Add", "Cancel", []*widget.FormItem{
		widget.NewFormItem("URL", entry),
	}, func(ok bool) {
		if !ok || entry.Text == "" {
			return
		}
		c.mu.Lock()
		relays, err := addRelay(c.relays, entry.Text)
		c.relays = relays
		c.mu.Unlock()
		if err != nil {
			dialog.ShowError(err, c.w)
			return
		}
		saveRelays(c.a.Preferences(), relays)
		c.rebuildMenu()
	}, c.w)
}

func (c *client) showGroupDialog() {
	c.mu.Lock()
	relayURL := c.selected.RelayURL
	c.mu.Unlock()
	if relayURL == "" {
		dialog.ShowInformation("Add a Group", "Select a relay first.", c.w)
		return
	}

	entry := widget.NewEntry()
	dialog.ShowForm("Add a Group on "+relayURL, "Add", "Cancel", []*widget.FormItem{
		widget.NewFormItem("Group ID", entry),
	}, func(ok bool) {
		if !ok || entry.Text == "" {
			return
		}
		c.mu.Lock()
		c.relays = addGroup(c.relays, relayURL, entry.Text)
		relays := c.relays
		c.mu.Unlock()
		saveRelays(c.a.Preferences(), relays)
		c.rebuildMenu()
	}, c.w)
}
