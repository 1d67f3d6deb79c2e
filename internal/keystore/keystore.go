// Package keystore provides encrypted custody of wallet signing keys.
// Only PBKDF2-HMAC-SHA256 + AES-256-GCM is supported; the plaintext key is
// never persisted in any form.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/pbkdf2"

	"github.com/ledgerworks/dexjournal/pkg/logging"
)

// Keystore errors
var (
	ErrBadPassphrase    = errors.New("bad passphrase")
	ErrKeystoreNotFound = errors.New("keystore not found")
	ErrNoSession        = errors.New("no session passphrase cached")
	ErrEmergencyActive  = errors.New("signing refused: emergency stop active")
)

// KDF parameters
const (
	kdfIterations = 100000 // PBKDF2 iterations
	saltLength    = 16     // Salt length in bytes
	keyLength     = 32     // AES-256 key length
	gcmTagLength  = 16     // GCM authentication tag length
)

// Record is the on-disk keystore format.
type Record struct {
	Version       int        `json:"version"`
	Chain         string     `json:"chain"`
	Address       string     `json:"address"`
	Label         string     `json:"label"`
	Crypto        CryptoBlob `json:"crypto"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	RotationCount int        `json:"rotation_count"`
}

// CryptoBlob holds the encrypted key material. The GCM authentication tag is
// stored separately in Mac; decryption fails with ErrBadPassphrase on any
// mismatch.
type CryptoBlob struct {
	KDF        string    `json:"kdf"`
	KDFParams  KDFParams `json:"kdfparams"`
	Nonce      string    `json:"nonce"`
	Ciphertext string    `json:"ciphertext"`
	Mac        string    `json:"mac"`
}

// KDFParams are the PBKDF2 parameters.
type KDFParams struct {
	PRF        string `json:"prf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
}

// EmergencyGate reports whether the emergency stop is in force. Signing is
// refused while it is.
type EmergencyGate interface {
	EmergencyActive() (bool, error)
}

// Keystore manages keystore files in a directory, with a backup subdirectory.
type Keystore struct {
	dir       string
	backupDir string
	gate      EmergencyGate
	session   *Session
	log       *logging.Logger
}

// Config holds keystore configuration.
type Config struct {
	Dir       string
	BackupDir string
	Gate      EmergencyGate
}

// New creates a Keystore rooted at cfg.Dir.
func New(cfg *Config, log *logging.Logger) (*Keystore, error) {
	if log == nil {
		log = logging.GetDefault()
	}
	backupDir := cfg.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(cfg.Dir, "backups")
	}
	for _, d := range []string{cfg.Dir, backupDir} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, fmt.Errorf("failed to create keystore directory: %w", err)
		}
	}
	return &Keystore{
		dir:       cfg.Dir,
		backupDir: backupDir,
		gate:      cfg.Gate,
		session:   NewSession(),
		log:       log.Component("keystore"),
	}, nil
}

// Session returns the process-local passphrase cache.
func (k *Keystore) Session() *Session {
	return k.session
}

// Path returns the keystore file path for an address on a chain.
func (k *Keystore) Path(chain, address string) string {
	return filepath.Join(k.dir, fmt.Sprintf("%s_%s.json", strings.ToLower(chain), strings.ToLower(address)))
}

// Create generates a new wallet key for a chain and writes its keystore.
// The BIP39 mnemonic backing the key is returned exactly once so the user
// can record it; it is never persisted.
func (k *Keystore) Create(chain, passphrase, label string) (*Record, string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	seed := bip39.NewSeed(mnemonic, "")
	defer secureClear(seed)

	// The first 32 seed bytes become the secp256k1 scalar. Re-derive with a
	// hash if the scalar is out of range (probability ~2^-128).
	keyBytes := make([]byte, 32)
	copy(keyBytes, seed[:32])
	defer secureClear(keyBytes)

	priv, err := ethcrypto.ToECDSA(keyBytes)
	for err != nil {
		h := sha256.Sum256(keyBytes)
		copy(keyBytes, h[:])
		priv, err = ethcrypto.ToECDSA(keyBytes)
	}

	address := ethcrypto.PubkeyToAddress(priv.PublicKey).Hex()

	now := time.Now().UTC()
	record := &Record{
		Version:   1,
		Chain:     chain,
		Address:   address,
		Label:     label,
		CreatedAt: now,
		UpdatedAt: now,
	}

	blob, err := encryptKey(ethcrypto.FromECDSA(priv), passphrase)
	if err != nil {
		return nil, "", err
	}
	record.Crypto = *blob

	if err := writeRecordAtomic(k.Path(chain, address), record); err != nil {
		return nil, "", err
	}

	k.log.Info("Keystore created", "chain", chain, "address", address)
	return record, mnemonic, nil
}

// Load reads and parses a keystore file without decrypting it.
func (k *Keystore) Load(chain, address string) (*Record, error) {
	return readRecord(k.Path(chain, address))
}

// List returns every keystore record in the directory.
func (k *Keystore) List() ([]*Record, error) {
	entries, err := os.ReadDir(k.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore directory: %w", err)
	}
	var records []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := readRecord(filepath.Join(k.dir, e.Name()))
		if err != nil {
			k.log.Warn("Skipping unreadable keystore", "file", e.Name(), "error", err)
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Address < records[j].Address })
	return records, nil
}

// Verify attempts decryption with the passphrase without exposing the key.
func (k *Keystore) Verify(chain, address, passphrase string) error {
	rec, err := k.Load(chain, address)
	if err != nil {
		return err
	}
	key, err := decryptKey(&rec.Crypto, passphrase)
	if err != nil {
		return err
	}
	secureClear(key)
	return nil
}

// Sign signs a 32-byte digest with the wallet's key. It requires a cached
// session passphrase and a non-emergency system state.
func (k *Keystore) Sign(chain, address string, digest []byte) ([]byte, error) {
	if k.gate != nil {
		stopped, err := k.gate.EmergencyActive()
		if err != nil {
			return nil, err
		}
		if stopped {
			return nil, ErrEmergencyActive
		}
	}

	passphrase, ok := k.session.Get(chain, address)
	if !ok {
		return nil, ErrNoSession
	}
	defer secureClear(passphrase)

	rec, err := k.Load(chain, address)
	if err != nil {
		return nil, err
	}

	keyBytes, err := decryptKey(&rec.Crypto, string(passphrase))
	if err != nil {
		return nil, err
	}
	defer secureClear(keyBytes)

	priv, err := ethcrypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key: %w", err)
	}

	sig, err := ethcrypto.Sign(digest, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// Rotate re-encrypts the keystore under a new passphrase. A timestamped
// backup is written first; the new file lands via temp write, fsync, and
// atomic rename.
func (k *Keystore) Rotate(chain, address, oldPassphrase, newPassphrase string) error {
	path := k.Path(chain, address)
	rec, err := readRecord(path)
	if err != nil {
		return err
	}

	keyBytes, err := decryptKey(&rec.Crypto, oldPassphrase)
	if err != nil {
		return err
	}
	defer secureClear(keyBytes)

	if _, err := k.Backup(chain, address); err != nil {
		return err
	}

	blob, err := encryptKey(keyBytes, newPassphrase)
	if err != nil {
		return err
	}

	rec.Crypto = *blob
	rec.RotationCount++
	rec.UpdatedAt = time.Now().UTC()

	if err := writeRecordAtomic(path, rec); err != nil {
		return err
	}

	k.session.Put(chain, address, newPassphrase)
	k.log.Info("Keystore rotated", "chain", chain, "address", address, "rotation", rec.RotationCount)
	return nil
}

// Backup copies the keystore into the backup directory with a timestamped
// name and returns the backup path.
func (k *Keystore) Backup(chain, address string) (string, error) {
	src := k.Path(chain, address)
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrKeystoreNotFound
		}
		return "", fmt.Errorf("failed to read keystore: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%s.json",
		strings.ToLower(chain), strings.ToLower(address),
		time.Now().UTC().Format("20060102T150405"))
	dst := filepath.Join(k.backupDir, name)

	if err := os.WriteFile(dst, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	return dst, nil
}

// Restore copies a named backup to the target path. When a passphrase is
// supplied the restored file is verified by decryption and removed on
// failure.
func (k *Keystore) Restore(backupPath, targetPath, passphrase string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("backup is not a valid keystore: %w", err)
	}

	if err := os.WriteFile(targetPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write restored keystore: %w", err)
	}

	if passphrase != "" {
		key, err := decryptKey(&rec.Crypto, passphrase)
		if err != nil {
			os.Remove(targetPath)
			return err
		}
		secureClear(key)
	}
	return nil
}

// CleanupBackups deletes backups older than maxAge, always keeping the
// minKeep most recent per keystore.
func (k *Keystore) CleanupBackups(maxAge time.Duration, minKeep int) (int, error) {
	entries, err := os.ReadDir(k.backupDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read backup directory: %w", err)
	}

	// Group backups by chain_address prefix; names sort chronologically
	// because of the timestamp suffix.
	groups := make(map[string][]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		parts := strings.Split(strings.TrimSuffix(e.Name(), ".json"), "_")
		if len(parts) < 3 {
			continue
		}
		key := strings.Join(parts[:len(parts)-1], "_")
		groups[key] = append(groups[key], e.Name())
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0
	for _, names := range groups {
		sort.Strings(names)
		removable := len(names) - minKeep
		for _, name := range names {
			if removable <= 0 {
				break
			}
			path := filepath.Join(k.backupDir, name)
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(path); err == nil {
					deleted++
					removable--
				}
			}
		}
	}
	return deleted, nil
}

// encryptKey derives an AES key from the passphrase and seals the private
// key with GCM, splitting the tag into the mac field.
func encryptKey(keyBytes []byte, passphrase string) (*CryptoBlob, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	derived := pbkdf2.Key([]byte(passphrase), salt, kdfIterations, keyLength, sha256.New)
	defer secureClear(derived)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, keyBytes, nil)
	ciphertext := sealed[:len(sealed)-gcmTagLength]
	mac := sealed[len(sealed)-gcmTagLength:]

	return &CryptoBlob{
		KDF: "pbkdf2",
		KDFParams: KDFParams{
			PRF:        "hmac-sha256",
			Iterations: kdfIterations,
			Salt:       hex.EncodeToString(salt),
		},
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ciphertext),
		Mac:        hex.EncodeToString(mac),
	}, nil
}

// decryptKey reverses encryptKey. Any authentication failure is reported as
// ErrBadPassphrase.
func decryptKey(blob *CryptoBlob, passphrase string) ([]byte, error) {
	if blob.KDF != "pbkdf2" {
		return nil, fmt.Errorf("unsupported kdf %q", blob.KDF)
	}
	iterations := blob.KDFParams.Iterations
	if iterations < kdfIterations {
		return nil, fmt.Errorf("kdf iterations %d below minimum %d", iterations, kdfIterations)
	}

	salt, err := hex.DecodeString(blob.KDFParams.Salt)
	if err != nil {
		return nil, fmt.Errorf("invalid salt: %w", err)
	}
	nonce, err := hex.DecodeString(blob.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}
	ciphertext, err := hex.DecodeString(blob.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext: %w", err)
	}
	mac, err := hex.DecodeString(blob.Mac)
	if err != nil {
		return nil, fmt.Errorf("invalid mac: %w", err)
	}

	derived := pbkdf2.Key([]byte(passphrase), salt, iterations, keyLength, sha256.New)
	defer secureClear(derived)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	sealed := append(append([]byte{}, ciphertext...), mac...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	return plaintext, nil
}

// writeRecordAtomic writes a keystore record via temp file, fsync, rename.
func writeRecordAtomic(path string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal keystore: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".keystore-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename keystore: %w", err)
	}
	return nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeystoreNotFound
		}
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse keystore: %w", err)
	}
	return &rec, nil
}

// secureClear overwrites a byte slice with zeros.
func secureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
