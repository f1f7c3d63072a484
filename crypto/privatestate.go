package crypto

import (
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/scrypt"
)

// Scrypt parameters used to stretch passphrases into private state. They are
// part of the derivation and changing them changes every derived identity.
const (
	passphraseScryptN = 1 << 15
	passphraseScryptR = 8
	passphraseScryptP = 1
)

var (
	passphraseSalt = []byte("dmarket/private-state/v1")
	secretTag      = []byte("dmarket/secret/v1")
	keyTag         = []byte("dmarket/keypair/v1")
)

// PrivateState is the secret material held only by its owning participant.
// The secret feeds identity derivation and the key pair protects the delivery
// address field.
type PrivateState struct {
	Secret [32]byte
	Key    *PrivateKey
}

// NewPrivateStateFromKey rebuilds the private state from its key pair. The
// secret is bound to the private key so persisting the key is sufficient to
// restore every derived identifier.
func NewPrivateStateFromKey(key *PrivateKey) (*PrivateState, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	ps := &PrivateState{Key: key}
	copy(ps.Secret[:], crypto.Keccak256(secretTag, key.Bytes()))
	return ps, nil
}

// GeneratePrivateState creates private state around a fresh random key.
func GeneratePrivateState() (*PrivateState, error) {
	key, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return NewPrivateStateFromKey(key)
}

// NewPrivateStateFromPassphrase deterministically derives private state from a
// user supplied passphrase. The same passphrase always yields the same keys.
func NewPrivateStateFromPassphrase(passphrase []byte) (*PrivateState, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("crypto: empty passphrase")
	}
	seed, err := scrypt.Key(passphrase, passphraseSalt, passphraseScryptN, passphraseScryptR, passphraseScryptP, 32)
	if err != nil {
		return nil, err
	}
	key, err := keyFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return NewPrivateStateFromKey(key)
}

// keyFromSeed hashes the seed with an incrementing counter until the digest is
// a valid secp256k1 scalar.
func keyFromSeed(seed []byte) (*PrivateKey, error) {
	for counter := byte(0); counter < 255; counter++ {
		candidate := crypto.Keccak256(keyTag, seed, []byte{counter})
		key, err := crypto.ToECDSA(candidate)
		if err == nil {
			return &PrivateKey{key}, nil
		}
	}
	return nil, errors.New("crypto: unable to derive key from seed")
}

// PublicKey returns the compressed public key of the state's key pair.
func (ps *PrivateState) PublicKey() []byte {
	if ps == nil || ps.Key == nil {
		return nil
	}
	return ps.Key.PubKey().Bytes()
}

// Identities derives the seller, carrier and buyer identifiers of this state
// for the given market instance.
func (ps *PrivateState) Identities(instance InstanceID) Identities {
	return DeriveIdentities(ps.PublicKey(), ps.Secret, instance)
}

// Open decrypts a ciphertext sealed to this state's public key.
func (ps *PrivateState) Open(ciphertext []byte) ([]byte, error) {
	if ps == nil || ps.Key == nil {
		return nil, ErrDecryptionFailed
	}
	return Open(ps.Key, ciphertext)
}
