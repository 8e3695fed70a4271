package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrBadSignature = errors.New("crypto: malformed signature")
	ErrExpired      = errors.New("crypto: operation expired")
)

// Operation is the signed part of a mutating request. Fields holds the
// operation arguments; they are hashed in sorted key order.
type Operation struct {
	Op        string
	Raffle    common.Address
	Fields    map[string]string
	Nonce     string
	ExpiresAt int64
}

// CanonicalFields renders fields as k=v pairs sorted by key and joined by '&'.
func CanonicalFields(fields map[string]string) string {
	keys := slices.Sorted(maps.Keys(fields))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, "&")
}

// Digest returns keccak256("raffler:" op ":" raffle ":" fields ":" nonce ":" expires).
func (o Operation) Digest() []byte {
	msg := strings.Join([]string{
		"raffler",
		o.Op,
		strings.ToLower(o.Raffle.Hex()),
		CanonicalFields(o.Fields),
		o.Nonce,
		strconv.FormatInt(o.ExpiresAt, 10),
	}, ":")
	return ethcrypto.Keccak256([]byte(msg))
}

// Expired reports whether the operation is no longer valid at now.
func (o Operation) Expired(now time.Time) bool {
	return o.ExpiresAt > 0 && now.Unix() > o.ExpiresAt
}

// Signer signs raffle operations with a secp256k1 key using EIP-191
// personal-sign framing.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// GenerateKey returns a fresh private key as hex (no 0x) and its address.
func GenerateKey() (string, common.Address, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return "", common.Address{}, fmt.Errorf("crypto: generate key: %w", err)
	}
	return hex.EncodeToString(ethcrypto.FromECDSA(pk)), ethcrypto.PubkeyToAddress(pk.PublicKey), nil
}

// Address returns the address of the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignOperation returns the 65-byte hex signature of op.
func (s *Signer) SignOperation(op Operation) (string, error) {
	return s.signDigest(accounts.TextHash(op.Digest()))
}

// signDigest signs a 32-byte digest and returns r || s || v as 0x-hex with v
// in {27, 28}.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverSigner returns the address that produced signature over op.
func RecoverSigner(op Operation, signature string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != 65 {
		return common.Address{}, ErrBadSignature
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, ErrBadSignature
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(op.Digest()), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
