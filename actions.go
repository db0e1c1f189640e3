package main

import (
	"encoding/json"
	"errors"
	"slices"

	"fyne.io/fyne/v2"
	"github.com/nbd-wtf/go-nostr"

	"nostr-groups/internal/actions"
	"nostr-groups/internal/keystore"
)

const RELAYSKEY = "relays"

func saveRelays(prefs fyne.Preferences, relays []SavedRelay) {
	j, _ := json.Marshal(relays)
	prefs.SetString(RELAYSKEY, string(j))
}

func getRelays(prefs fyne.Preferences) []SavedRelay {
	jstr := prefs.String(RELAYSKEY)
	if jstr == "" {
		return nil
	}
	var data []SavedRelay
	if err := json.Unmarshal([]byte(jstr), &data); err != nil {
		return nil
	}
	return data
}

// addRelay appends url unless it is already known.
func addRelay(relays []SavedRelay, url string) ([]SavedRelay, error) {
	url = nostr.NormalizeURL(url)
	if url == "" {
		return relays, errors.New("invalid relay url")
	}
	if slices.ContainsFunc(relays, func(r SavedRelay) bool { return r.URL == url }) {
		return relays, nil
	}
	return append(relays, SavedRelay{URL: url}), nil
}

// addGroup joins groupID on relayURL, adding the relay if needed.
func addGroup(relays []SavedRelay, relayURL, groupID string) []SavedRelay {
	if groupID == "" {
		return relays
	}
	i := slices.IndexFunc(relays, func(r SavedRelay) bool { return r.URL == relayURL })
	if i < 0 {
		return append(relays, SavedRelay{URL: relayURL, Groups: []string{groupID}})
	}
	if !slices.Contains(relays[i].Groups, groupID) {
		relays[i].Groups = append(relays[i].Groups, groupID)
	}
	return relays
}

func saveKey(ks keystore.Keystore, value string) (string, error) {
	return keystore.Import(ks, value)
}

// publishChat posts message to the selected group's chat timeline. done is
// called with nil on success.
func publishChat(sender *actions.Sender, selected LeftMenuItem, message string, replyTo string, done func(error)) {
	if selected.IsRoot || selected.GroupID == "" || message == "" {
		return
	}
	sender.SendGroupChatNote(actions.SendParams{
		Relay:     selected.RelayURL,
		GroupID:   selected.GroupID,
		Content:   message,
		ParentID:  replyTo,
		OnSuccess: func() { done(nil) },
		OnError:   done,
	})
}
