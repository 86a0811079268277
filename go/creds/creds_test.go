package creds

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/assadsharif/fte/go/audit"
	"github.com/assadsharif/fte/go/fault"
	"github.com/assadsharif/fte/go/labels"
	"github.com/assadsharif/fte/go/secrets"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	var root = t.TempDir()
	store, err := OpenEncryptedFile(root, nil)
	require.NoError(t, err)
	require.Equal(t, "encrypted-file", store.Backend())

	// Empty store.
	_, err = store.Get("smtp", "alice")
	require.ErrorIs(t, err, ErrNotFound)
	keys, err := store.List()
	require.NoError(t, err)
	require.Empty(t, keys)

	require.NoError(t, store.Put("smtp", "alice", []byte("hunter2")))
	require.NoError(t, store.Put("imap", "bob", []byte("s3cret")))
	require.NoError(t, store.Put("smtp", "admin", []byte{0x00, 0xff, 0x10}))

	got, err := store.Get("smtp", "alice")
	require.NoError(t, err)
	require.Equal(t, []byte("hunter2"), got)

	// Binary secrets survive the base64 round trip.
	got, err = store.Get("smtp", "admin")
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0xff, 0x10}, got)

	// List is ordered by service, then user.
	keys, err = store.List()
	require.NoError(t, err)
	require.Equal(t, []Key{
		{Service: "imap", User: "bob"},
		{Service: "smtp", User: "admin"},
		{Service: "smtp", User: "alice"},
	}, keys)

	require.NoError(t, store.Delete("imap", "bob"))
	_, err = store.Get("imap", "bob")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, store.Delete("imap", "bob"), ErrNotFound)

	// A second store over the same root sees persisted entries.
	reopened, err := OpenEncryptedFile(root, nil)
	require.NoError(t, err)
	got, err = reopened.Get("smtp", "alice")
	require.NoError(t, err)
	require.Equal(t, []byte("hunter2"), got)
}

func TestFileStoreRotate(t *testing.T) {
	var root = t.TempDir()
	store, err := OpenEncryptedFile(root, nil)
	require.NoError(t, err)

	// Rotating an absent entry must not create it.
	require.ErrorIs(t, store.Rotate("smtp", "alice", []byte("new")), ErrNotFound)
	_, err = store.Get("smtp", "alice")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put("smtp", "alice", []byte("old")))
	require.NoError(t, store.Rotate("smtp", "alice", []byte("new")))

	got, err := store.Get("smtp", "alice")
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got)
}

func TestFileStoreKeyFileHygiene(t *testing.T) {
	var root = t.TempDir()
	store, err := OpenEncryptedFile(root, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put("smtp", "alice", []byte("hunter2")))

	info, err := os.Stat(filepath.Join(root, labels.CredentialsKey))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
	require.EqualValues(t, 32, info.Size())

	info, err = os.Stat(filepath.Join(root, labels.CredentialsFile))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileStoreFreshNoncePerWrite(t *testing.T) {
	var root = t.TempDir()
	store, err := OpenEncryptedFile(root, nil)
	require.NoError(t, err)

	var encPath = filepath.Join(root, labels.CredentialsFile)
	require.NoError(t, store.Put("smtp", "alice", []byte("hunter2")))
	first, err := os.ReadFile(encPath)
	require.NoError(t, err)

	// Identical plaintext, yet the sealed file must differ.
	require.NoError(t, store.Put("smtp", "alice", []byte("hunter2")))
	second, err := os.ReadFile(encPath)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestFileStoreTamperDetection(t *testing.T) {
	var root = t.TempDir()
	store, err := OpenEncryptedFile(root, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put("smtp", "alice", []byte("hunter2")))

	var encPath = filepath.Join(root, labels.CredentialsFile)
	sealed, err := os.ReadFile(encPath)
	require.NoError(t, err)

	// Flip one ciphertext byte.
	var tampered = append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	require.NoError(t, os.WriteFile(encPath, tampered, 0600))

	_, err = store.Get("smtp", "alice")
	require.ErrorContains(t, err, "wrong key or tampering")

	// A truncated blob is rejected before decryption.
	require.NoError(t, os.WriteFile(encPath, sealed[:5], 0600))
	_, err = store.Get("smtp", "alice")
	require.ErrorContains(t, err, "truncated")

	// Restoring the original bytes restores access.
	require.NoError(t, os.WriteFile(encPath, sealed, 0600))
	got, err := store.Get("smtp", "alice")
	require.NoError(t, err)
	require.Equal(t, []byte("hunter2"), got)
}

func TestFileStoreWrongKey(t *testing.T) {
	var root = t.TempDir()
	store, err := OpenEncryptedFile(root, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put("smtp", "alice", []byte("hunter2")))

	var other = make([]byte, 32)
	_, err = rand.Read(other)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, labels.CredentialsKey), other, 0600))

	// The open-time probe rejects a key that cannot decrypt the blob.
	_, err = OpenEncryptedFile(root, nil)
	require.ErrorIs(t, err, fault.ErrBackendUnavailable)

	// A short key file is also rejected.
	require.NoError(t, os.WriteFile(filepath.Join(root, labels.CredentialsKey), other[:8], 0600))
	_, err = OpenEncryptedFile(root, nil)
	require.ErrorIs(t, err, fault.ErrBackendUnavailable)
	require.ErrorContains(t, err, "wrong length")
}

func TestCredentialOpsAudited(t *testing.T) {
	var auditor, err = audit.Open(t.TempDir(), secrets.NewScanner())
	require.NoError(t, err)
	defer auditor.Close()

	store, err := OpenEncryptedFile(t.TempDir(), auditor)
	require.NoError(t, err)

	require.NoError(t, store.Put("smtp", "alice", []byte("hunter2")))
	_, err = store.Get("smtp", "alice")
	require.NoError(t, err)
	_, err = store.Get("smtp", "nobody")
	require.ErrorIs(t, err, ErrNotFound)

	events, err := auditor.Query(audit.Filter{Security: true, EventType: audit.TypeCredentialOp})
	require.NoError(t, err)
	require.Len(t, events, 3)

	require.Equal(t, "put", events[0].Context["op"])
	require.Equal(t, audit.OutcomeOK, events[0].Outcome)
	require.Equal(t, "get", events[1].Context["op"])
	require.Equal(t, audit.OutcomeOK, events[1].Outcome)
	require.Equal(t, "get", events[2].Context["op"])
	require.Equal(t, audit.OutcomeErr, events[2].Outcome)
	require.Equal(t, audit.LevelWarn, events[2].Level)

	// Events carry identities, never secret material.
	for _, e := range events {
		require.Equal(t, "creds", e.Actor)
		require.Equal(t, "encrypted-file", e.Context["backend"])
		require.Equal(t, "smtp", e.Context["service"])
		for _, v := range e.Context {
			require.NotContains(t, v, "hunter2")
		}
	}
}
