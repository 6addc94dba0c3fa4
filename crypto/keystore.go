package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

const keystoreExt = ".keystore"

var (
	// ErrKeystoreExists is returned instead of replacing an existing key file.
	ErrKeystoreExists = errors.New("crypto: keystore already exists")
	// ErrInvalidLabel is returned for party labels that cannot name a file.
	ErrInvalidLabel = errors.New("crypto: invalid party label")

	labelPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,31}$`)
)

// WriteKeystore encrypts key into an Ethereum v3 key file at path. The file
// appears fully written with 0600 permissions or not at all, and an existing
// file is never replaced.
func WriteKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrKeystoreExists, path)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}
	encrypted, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key.PrivateKey,
	}, passphrase, keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(encrypted); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// Link fails when path exists, unlike Rename.
	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrKeystoreExists, path)
		}
		return err
	}
	return nil
}

// ReadKeystore decrypts the key file at path.
func ReadKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt %s: %w", filepath.Base(path), err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// PartyKeys is a directory holding one key file per party label, such as
// "sender" or "arbitrator".
type PartyKeys struct {
	dir string
}

// NewPartyKeys returns the key directory rooted at dir.
func NewPartyKeys(dir string) *PartyKeys {
	return &PartyKeys{dir: dir}
}

// Dir returns the key directory.
func (k *PartyKeys) Dir() string { return k.dir }

// Path returns the key file of label.
func (k *PartyKeys) Path(label string) (string, error) {
	if !labelPattern.MatchString(label) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	return filepath.Join(k.dir, label+keystoreExt), nil
}

// Generate creates a fresh key for label. An existing key for the label is
// kept and ErrKeystoreExists returned.
func (k *PartyKeys) Generate(label, passphrase string) (*PrivateKey, error) {
	path, err := k.Path(label)
	if err != nil {
		return nil, err
	}
	key, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	if err := WriteKeystore(path, key, passphrase); err != nil {
		return nil, err
	}
	return key, nil
}

// Load decrypts the key of label.
func (k *PartyKeys) Load(label, passphrase string) (*PrivateKey, error) {
	path, err := k.Path(label)
	if err != nil {
		return nil, err
	}
	return ReadKeystore(path, passphrase)
}
