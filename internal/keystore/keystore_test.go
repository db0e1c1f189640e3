package keystore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Keystore {
	return map[string]Keystore{
		"memory": &MemoryKeystore{},
		"file":   FileKeystore{Dir: filepath.Join(t.TempDir(), "keys")},
	}
}

func TestSignWithoutKey(t *testing.T) {
	for name, ks := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ev := nostr.Event{Kind: 1, CreatedAt: nostr.Now()}
			assert.ErrorIs(t, ks.Sign(&ev), ErrNoKey)

			_, err := ks.PublicKey()
			assert.ErrorIs(t, err, ErrNoKey)
		})
	}
}

func TestImportAndSign(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	wantPK, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)

	for name, ks := range stores(t) {
		for _, input := range []string{sk, nsec, "  " + nsec + "\n"} {
			t.Run(name, func(t *testing.T) {
				pk, err := Import(ks, input)
				require.NoError(t, err)
				assert.Equal(t, wantPK, pk)

				got, err := ks.PublicKey()
				require.NoError(t, err)
				assert.Equal(t, wantPK, got)

				ev := nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Tags: nostr.Tags{{"h", "group123"}}, Content: "hi"}
				require.NoError(t, ks.Sign(&ev))
				assert.Equal(t, wantPK, ev.PubKey)
				ok, err := ev.CheckSignature()
				require.NoError(t, err)
				assert.True(t, ok)
			})
		}
	}
}

func TestImportRejectsGarbage(t *testing.T) {
	ks := &MemoryKeystore{}
	for _, input := range []string{"", "   ", "nsec1garbage", "not-hex", "abcd", strings.Repeat("0", 63), strings.Repeat("0", 66)} {
		_, err := Import(ks, input)
		assert.Error(t, err, input)
	}
	_, err := ks.PublicKey()
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestErase(t *testing.T) {
	for name, ks := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := Import(ks, nostr.GeneratePrivateKey())
			require.NoError(t, err)

			require.NoError(t, ks.Erase())
			_, err = ks.PublicKey()
			assert.ErrorIs(t, err, ErrNoKey)

			require.NoError(t, ks.Erase(), "erasing twice is fine")
		})
	}
}

func TestFileKeystoreLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "keys")
	ks := FileKeystore{Dir: dir}
	_, err := Import(ks, nostr.GeneratePrivateKey())
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "key"))
	require.NoError(t, err)
	assert.Equal(t, int64(32), info.Size())
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "key"), []byte("short"), 0o600))
	_, err = ks.PublicKey()
	assert.ErrorContains(t, err, "not 32 bytes")
}
