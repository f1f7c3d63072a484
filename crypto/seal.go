package crypto

import (
	"crypto/rand"
	"errors"
	"io"

	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// ErrDecryptionFailed is returned when a ciphertext was not sealed to the
// supplied key or has been tampered with.
var ErrDecryptionFailed = errors.New("crypto: decryption failed")

// sealContext binds ciphertexts to this application so they cannot be replayed
// into another ECIES consumer of the same key.
var sealContext = []byte("dmarket/seal/v1")

// Seal encrypts plaintext to the recipient's public key using ECIES over
// secp256k1 (AES-128-CTR + HMAC-SHA256).
func Seal(recipient *PublicKey, plaintext []byte) ([]byte, error) {
	return SealWithReader(rand.Reader, recipient, plaintext)
}

// SealWithReader is Seal with an explicit entropy source.
func SealWithReader(r io.Reader, recipient *PublicKey, plaintext []byte) ([]byte, error) {
	if recipient == nil || recipient.PublicKey == nil {
		return nil, errors.New("crypto: nil recipient key")
	}
	pub := ecies.ImportECDSAPublic(recipient.PublicKey)
	return ecies.Encrypt(r, pub, plaintext, sealContext, nil)
}

// SealTo parses the recipient key bytes and seals plaintext to it.
func SealTo(recipientKey []byte, plaintext []byte) ([]byte, error) {
	pub, err := PublicKeyFromBytes(recipientKey)
	if err != nil {
		return nil, err
	}
	return Seal(pub, plaintext)
}

// Open decrypts a ciphertext produced by Seal for key.
func Open(key *PrivateKey, ciphertext []byte) ([]byte, error) {
	if key == nil || key.PrivateKey == nil || len(ciphertext) == 0 {
		return nil, ErrDecryptionFailed
	}
	prv := ecies.ImportECDSA(key.PrivateKey)
	plaintext, err := prv.Decrypt(ciphertext, sealContext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
