package main

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"
	"sort"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/puzpuzpuz/xsync"
	"golang.org/x/net/context"
	"golang.org/x/sync/singleflight"

	"nostr-groups/internal/nip29"
)

// insertNoteAscending puts note into notes, which is sorted by timestamp,
// keeping it sorted. A note whose id is already present replaces it.
func insertNoteAscending(notes []nip29.Note, note nip29.Note) []nip29.Note {
	for i := range notes {
		if notes[i].ID == note.ID {
			notes[i] = note
			return notes
		}
	}
	position := sort.Search(len(notes), func(i int) bool {
		return notes[i].Timestamp > note.Timestamp
	})
	notes = append(notes, nip29.Note{})
	copy(notes[position+1:], notes[position:])
	notes[position] = note
	return notes
}

// chronological returns a timestamp-ascending copy of notes.
func chronological(notes []nip29.Note) []nip29.Note {
	sorted := make([]nip29.Note, 0, len(notes))
	for _, n := range notes {
		sorted = insertNoteAscending(sorted, n)
	}
	return sorted
}

var placeholderPicture = func() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{156, 62, 93, 255})
	return img
}()

var (
	pictures     = xsync.NewMapOf[image.Image]()
	pictureLoads singleflight.Group
)

// pictureFromURL downloads and decodes a group picture once. Failures are
// cached as the placeholder.
func pictureFromURL(u string) image.Image {
	if u == "" {
		return placeholderPicture
	}
	if img, ok := pictures.Load(u); ok {
		return img
	}
	v, _, _ := pictureLoads.Do(u, func() (any, error) {
		if img, ok := pictures.Load(u); ok {
			return img, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		img, err := downloadPicture(ctx, u)
		if err != nil {
			slog.Debug("group picture unavailable", "url", u, "error", err)
			img = placeholderPicture
		}
		pictures.Store(u, img)
		return img, nil
	})
	return v.(image.Image)
}

func downloadPicture(ctx context.Context, u string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: %s", u, resp.Status)
	}
	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", u, err)
	}
	return img, nil
}
