package main

import (
	"slices"

	"nostr-groups/internal/config"
)

// LeftMenuItem is one row of the relay/group sidebar. Root rows are relays.
type LeftMenuItem struct {
	RelayURL  string `json:"relay_url"`
	IsRoot    bool   `json:"is_root"`
	GroupID   string `json:"group_id"`
	GroupName string `json:"group_name"`
}

func (m LeftMenuItem) label() string {
	if m.IsRoot {
		return m.RelayURL
	}
	if m.GroupName != "" {
		return "    " + m.GroupName
	}
	return "    " + m.GroupID
}

type SavedRelay struct {
	URL    string   `json:"url"`
	Groups []string `json:"groups"`
}

// mergeRelays adds the groups of the configured relays to the saved ones,
// keeping the saved order first.
func mergeRelays(saved []SavedRelay, configured []config.Relay) []SavedRelay {
	out := make([]SavedRelay, len(saved))
	for i, r := range saved {
		out[i] = SavedRelay{URL: r.URL, Groups: slices.Clone(r.Groups)}
	}
	for _, c := range configured {
		i := slices.IndexFunc(out, func(r SavedRelay) bool { return r.URL == c.URL })
		if i < 0 {
			out = append(out, SavedRelay{URL: c.URL, Groups: slices.Clone(c.Groups)})
			continue
		}
		for _, g := range c.Groups {
			if !slices.Contains(out[i].Groups, g) {
				out[i].Groups = append(out[i].Groups, g)
			}
		}
	}
	return out
}

// buildMenu flattens relays into sidebar rows, each relay followed by its
// groups. names maps relay+group to a known group name.
func buildMenu(relays []SavedRelay, names map[LeftMenuItem]string) []LeftMenuItem {
	var menu []LeftMenuItem
	for _, r := range relays {
		menu = append(menu, LeftMenuItem{RelayURL: r.URL, IsRoot: true})
		for _, g := range r.Groups {
			item := LeftMenuItem{RelayURL: r.URL, GroupID: g}
			item.GroupName = names[item]
			menu = append(menu, item)
		}
	}
	return menu
}

// rememberGroupName records name for the group of item and reports whether it
// changed. Names are keyed by relay and group only, never by a menu row that
// already carries a name.
func rememberGroupName(names map[LeftMenuItem]string, item LeftMenuItem, name string) bool {
	key := LeftMenuItem{RelayURL: item.RelayURL, GroupID: item.GroupID}
	if name == "" || names[key] == name {
		return false
	}
	names[key] = name
	return true
}
