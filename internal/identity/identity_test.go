package identity

import (
	"bytes"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrGeneratePersistsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "oracle.key")

	first, err := LoadOrGenerate("did:masumi:oracle_01", path)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected key file mode %v", info.Mode().Perm())
	}

	second, err := LoadOrGenerate("did:masumi:oracle_01", path)
	if err != nil {
		t.Fatalf("reload identity: %v", err)
	}
	if !bytes.Equal(first.PublicKey(), second.PublicKey()) {
		t.Fatal("reloaded identity has a different public key")
	}
}

func TestLoadOrGenerateRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	if _, err := LoadOrGenerate("did:masumi:oracle_01", path); err == nil {
		t.Fatal("expected error for truncated key file")
	}
}

func TestKeyringCopiesPublicKey(t *testing.T) {
	id, err := Generate("did:masumi:sentinel_01")
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	pub := id.PublicKey()
	ring := NewKeyring()
	if err := ring.Register(id.ID(), pub); err != nil {
		t.Fatalf("register: %v", err)
	}

	pub[0] ^= 0xff

	stored, ok := ring.Lookup(id.ID())
	if !ok {
		t.Fatal("expected registered key")
	}
	if !bytes.Equal(stored, id.PublicKey()) {
		t.Fatal("keyring entry changed after caller mutated its slice")
	}
}

func TestKeyringRegisterBase64(t *testing.T) {
	id, err := Generate("did:masumi:compliance_01")
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	ring := NewKeyring()
	if err := ring.RegisterBase64(id.ID(), id.PublicKeyBase64()); err != nil {
		t.Fatalf("register base64: %v", err)
	}
	if err := ring.RegisterBase64("did:masumi:broken", "!!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	if err := ring.Register("did:masumi:short", ed25519.PublicKey{1, 2, 3}); err == nil {
		t.Fatal("expected error for short key")
	}
	if got := ring.Agents(); len(got) != 1 || got[0] != id.ID() {
		t.Fatalf("unexpected agents %v", got)
	}
}
