package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// PartyPrefix is the human-readable part used when rendering party identifiers.
const PartyPrefix = "dmp"

// PartyIDLength is the size in bytes of every derived party identifier.
const PartyIDLength = 32

// PartyID is the pseudonymous identifier of a participant acting in one role on
// one market instance. Values are produced by DeriveID and compared by
// equality only.
type PartyID [PartyIDLength]byte

// IsZero reports whether the identifier is unset.
func (p PartyID) IsZero() bool { return p == PartyID{} }

// Bytes returns a copy of the identifier bytes.
func (p PartyID) Bytes() []byte {
	out := make([]byte, PartyIDLength)
	copy(out, p[:])
	return out
}

// Hex returns the lowercase hex encoding of the identifier.
func (p PartyID) Hex() string { return hex.EncodeToString(p[:]) }

// String renders the identifier using bech32 with the party prefix.
func (p PartyID) String() string {
	conv, err := bech32.ConvertBits(p[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(PartyPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Compare orders identifiers bytewise.
func (p PartyID) Compare(other PartyID) int { return bytes.Compare(p[:], other[:]) }

// ParsePartyID accepts either the bech32 form or a 64 character hex string.
func ParsePartyID(s string) (PartyID, error) {
	var id PartyID
	if raw, err := hex.DecodeString(trimHexPrefix(s)); err == nil && len(raw) == PartyIDLength {
		copy(id[:], raw)
		return id, nil
	}
	prefix, decoded, err := bech32.Decode(s)
	if err != nil {
		return id, fmt.Errorf("invalid party id: %w", err)
	}
	if prefix != PartyPrefix {
		return id, fmt.Errorf("invalid party id prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return id, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != PartyIDLength {
		return id, fmt.Errorf("party id must be %d bytes, got %d", PartyIDLength, len(conv))
	}
	copy(id[:], conv)
	return id, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Bytes returns the 33 byte compressed encoding of the public key.
func (k *PublicKey) Bytes() []byte {
	return crypto.CompressPubkey(k.PublicKey)
}

// GeneratePrivateKey creates a fresh secp256k1 key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PublicKeyFromBytes accepts compressed (33 byte) or uncompressed (65 byte)
// secp256k1 public keys.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	switch len(b) {
	case 33:
		pub, err := crypto.DecompressPubkey(b)
		if err != nil {
			return nil, err
		}
		return &PublicKey{pub}, nil
	case 65:
		pub, err := crypto.UnmarshalPubkey(b)
		if err != nil {
			return nil, err
		}
		return &PublicKey{pub}, nil
	default:
		return nil, errors.New("crypto: invalid public key length")
	}
}
