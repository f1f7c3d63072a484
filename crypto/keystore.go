package crypto

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// SaveToKeystore writes the key pair of the private state to an Ethereum v3
// keystore file at path, encrypted with passphrase. The secret is rebuilt from
// the key on load. Parent directories are created with 0700 permissions.
func SaveToKeystore(path string, ps *PrivateState, passphrase string) error {
	return saveToKeystore(path, ps, passphrase, keystore.StandardScryptN, keystore.StandardScryptP)
}

// SaveToKeystoreLight is SaveToKeystore with the light scrypt parameters. It is
// meant for tests and throwaway local devnets.
func SaveToKeystoreLight(path string, ps *PrivateState, passphrase string) error {
	return saveToKeystore(path, ps, passphrase, keystore.LightScryptN, keystore.LightScryptP)
}

func saveToKeystore(path string, ps *PrivateState, passphrase string, scryptN, scryptP int) error {
	if ps == nil || ps.Key == nil {
		return errors.New("crypto: nil private state")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(ps.Key.PublicKey),
		PrivateKey: ps.Key.PrivateKey,
	}
	keyJSON, err := keystore.EncryptKey(key, passphrase, scryptN, scryptP)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(keyJSON); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts a keystore file and rebuilds the private state.
func LoadFromKeystore(path, passphrase string) (*PrivateState, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}

	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}

	return NewPrivateStateFromKey(&PrivateKey{PrivateKey: decrypted.PrivateKey})
}
