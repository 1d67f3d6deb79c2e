package keystore

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

type fakeGate struct {
	stopped bool
}

func (g *fakeGate) EmergencyActive() (bool, error) {
	return g.stopped, nil
}

func newTestKeystore(t *testing.T) (*Keystore, *fakeGate) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "dexjournal-keystore-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	gate := &fakeGate{}
	ks, err := New(&Config{Dir: tmpDir, Gate: gate}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return ks, gate
}

const testPassphrase = "correct horse battery staple"

func TestCreateAndVerify(t *testing.T) {
	ks, _ := newTestKeystore(t)

	rec, mnemonic, err := ks.Create("ethereum", testPassphrase, "hot wallet")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rec.Address == "" {
		t.Fatal("Create() returned empty address")
	}
	if mnemonic == "" {
		t.Fatal("Create() returned empty mnemonic")
	}
	if rec.Crypto.KDF != "pbkdf2" {
		t.Errorf("KDF = %s, want pbkdf2", rec.Crypto.KDF)
	}
	if rec.Crypto.KDFParams.Iterations < 100000 {
		t.Errorf("iterations = %d, want >= 100000", rec.Crypto.KDFParams.Iterations)
	}

	if err := ks.Verify("ethereum", rec.Address, testPassphrase); err != nil {
		t.Errorf("Verify() with correct passphrase error = %v", err)
	}
	if err := ks.Verify("ethereum", rec.Address, "wrong"); !errors.Is(err, ErrBadPassphrase) {
		t.Errorf("Verify() with wrong passphrase error = %v, want ErrBadPassphrase", err)
	}

	// The keystore file must never contain the plaintext key or mnemonic.
	data, err := os.ReadFile(ks.Path("ethereum", rec.Address))
	if err != nil {
		t.Fatalf("failed to read keystore file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("keystore file is empty")
	}
	if containsString(data, mnemonic[:16]) {
		t.Error("keystore file contains mnemonic material")
	}
}

func TestSignRequiresSessionAndGate(t *testing.T) {
	ks, gate := newTestKeystore(t)

	rec, _, err := ks.Create("ethereum", testPassphrase, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	digest := sha256.Sum256([]byte("message"))

	// No session passphrase cached.
	if _, err := ks.Sign("ethereum", rec.Address, digest[:]); !errors.Is(err, ErrNoSession) {
		t.Errorf("Sign() without session error = %v, want ErrNoSession", err)
	}

	ks.Session().Put("ethereum", rec.Address, testPassphrase)
	sig, err := ks.Sign("ethereum", rec.Address, digest[:])
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if len(sig) != 65 {
		t.Errorf("signature length = %d, want 65", len(sig))
	}

	// Emergency stop refuses signing.
	gate.stopped = true
	if _, err := ks.Sign("ethereum", rec.Address, digest[:]); !errors.Is(err, ErrEmergencyActive) {
		t.Errorf("Sign() under emergency error = %v, want ErrEmergencyActive", err)
	}
}

func TestRotateKeepsAddress(t *testing.T) {
	ks, _ := newTestKeystore(t)

	rec, _, err := ks.Create("ethereum", testPassphrase, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	digest := sha256.Sum256([]byte("same message"))
	ks.Session().Put("ethereum", rec.Address, testPassphrase)
	sig1, err := ks.Sign("ethereum", rec.Address, digest[:])
	if err != nil {
		t.Fatalf("Sign() before rotate error = %v", err)
	}

	const newPassphrase = "an entirely new passphrase"
	if err := ks.Rotate("ethereum", rec.Address, testPassphrase, newPassphrase); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	// Old passphrase no longer works.
	if err := ks.Verify("ethereum", rec.Address, testPassphrase); !errors.Is(err, ErrBadPassphrase) {
		t.Errorf("old passphrase after rotate error = %v, want ErrBadPassphrase", err)
	}

	// Rotation cached the new passphrase; signatures recover the same address.
	sig2, err := ks.Sign("ethereum", rec.Address, digest[:])
	if err != nil {
		t.Fatalf("Sign() after rotate error = %v", err)
	}

	pub1, err := ethcrypto.SigToPub(digest[:], sig1)
	if err != nil {
		t.Fatalf("SigToPub(sig1) error = %v", err)
	}
	pub2, err := ethcrypto.SigToPub(digest[:], sig2)
	if err != nil {
		t.Fatalf("SigToPub(sig2) error = %v", err)
	}
	addr1 := ethcrypto.PubkeyToAddress(*pub1).Hex()
	addr2 := ethcrypto.PubkeyToAddress(*pub2).Hex()
	if addr1 != rec.Address || addr2 != rec.Address {
		t.Errorf("recovered addresses %s / %s, want %s", addr1, addr2, rec.Address)
	}

	loaded, err := ks.Load("ethereum", rec.Address)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.RotationCount != 1 {
		t.Errorf("RotationCount = %d, want 1", loaded.RotationCount)
	}
	if !loaded.UpdatedAt.After(loaded.CreatedAt) {
		t.Error("UpdatedAt should advance on rotation")
	}
}

func TestBackupAndRestore(t *testing.T) {
	ks, _ := newTestKeystore(t)

	rec, _, err := ks.Create("ethereum", testPassphrase, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	backupPath, err := ks.Backup("ethereum", rec.Address)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if _, err := os.Stat(backupPath); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	target := filepath.Join(t.TempDir(), "restored.json")
	if err := ks.Restore(backupPath, target, testPassphrase); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("restored file missing: %v", err)
	}

	// Verification failure removes the restored file.
	target2 := filepath.Join(t.TempDir(), "restored2.json")
	if err := ks.Restore(backupPath, target2, "wrong"); !errors.Is(err, ErrBadPassphrase) {
		t.Fatalf("Restore() with wrong passphrase error = %v, want ErrBadPassphrase", err)
	}
	if _, err := os.Stat(target2); !os.IsNotExist(err) {
		t.Error("failed restore should remove the target file")
	}
}

func TestCleanupBackupsKeepsMinimum(t *testing.T) {
	ks, _ := newTestKeystore(t)

	rec, _, err := ks.Create("ethereum", testPassphrase, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	first, err := ks.Backup("ethereum", rec.Address)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	// Backup names carry a second-resolution timestamp.
	time.Sleep(1100 * time.Millisecond)
	second, err := ks.Backup("ethereum", rec.Address)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if first == second {
		t.Fatal("backup filenames collided")
	}
	paths := []string{first, second}

	// Make both backups look ancient.
	old := time.Now().Add(-100 * 24 * time.Hour)
	for _, p := range paths {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatalf("Chtimes() error = %v", err)
		}
	}

	deleted, err := ks.CleanupBackups(30*24*time.Hour, 1)
	if err != nil {
		t.Fatalf("CleanupBackups() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1 (minimum of 1 kept)", deleted)
	}
}

func TestSessionZeroesOnDrop(t *testing.T) {
	s := NewSession()
	s.Put("ethereum", "0xabc", "secret")

	got, ok := s.Get("ethereum", "0xabc")
	if !ok || string(got) != "secret" {
		t.Fatalf("Get() = %q, %v", got, ok)
	}

	// The returned copy is independent of the cache.
	got[0] = 'X'
	again, _ := s.Get("ethereum", "0xabc")
	if string(again) != "secret" {
		t.Error("mutating a returned copy leaked into the cache")
	}

	s.Drop("ethereum", "0xabc")
	if _, ok := s.Get("ethereum", "0xabc"); ok {
		t.Error("Get() after Drop() should miss")
	}
}

func containsString(data []byte, s string) bool {
	return bytes.Contains(data, []byte(s))
}
