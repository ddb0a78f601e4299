package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testPeer(uuid, name string) Peer {
	return Peer{
		UUID:               uuid,
		DisplayName:        name,
		Model:              "capture",
		SigningPublicKey:   []byte("signing-" + uuid),
		AgreementPublicKey: []byte("agreement-" + uuid),
		KeyFingerprint:     "fingerprint-" + uuid,
		AddedTimestamp:     nowUnixMilli(),
	}
}

func mustSavePeer(t *testing.T, store *Store, uuid, name string) {
	t.Helper()

	if err := store.SavePeer(testPeer(uuid, name)); err != nil {
		t.Fatalf("save peer %q: %v", uuid, err)
	}
}
