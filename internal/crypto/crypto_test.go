package crypto

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	program = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000002")
	usdc    = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	nft     = common.HexToAddress("0x00000000000000000000000000000000000000d0")
)

func TestDeriveRaffleIsDeterministic(t *testing.T) {
	f := NewAccountFactory(program)
	a := f.DeriveRaffle(alice, usdc, nft)
	assert.Equal(t, a, NewAccountFactory(program).DeriveRaffle(alice, usdc, nft))

	h := ethcrypto.Keccak256([]byte("raffler:raffle"), program.Bytes(), alice.Bytes(), usdc.Bytes(), nft.Bytes())
	assert.Equal(t, common.BytesToAddress(h[12:]), a)
}

func TestDeriveRaffleSeparatesInputs(t *testing.T) {
	f := NewAccountFactory(program)
	base := f.DeriveRaffle(alice, usdc, nft)

	cases := map[string]common.Address{
		"creator":     f.DeriveRaffle(bob, usdc, nft),
		"tokens swap": f.DeriveRaffle(alice, nft, usdc),
		"program":     NewAccountFactory(bob).DeriveRaffle(alice, usdc, nft),
	}
	for name, addr := range cases {
		t.Run(name, func(t *testing.T) {
			assert.NotEqual(t, base, addr)
		})
	}
}

func TestDeriveBook(t *testing.T) {
	f := NewAccountFactory(program)
	raffle := f.DeriveRaffle(alice, usdc, nft)

	key, err := f.DeriveBookKey(raffle)
	require.NoError(t, err)
	book, err := f.DeriveBook(raffle)
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), book)
	assert.NotEqual(t, raffle, book)

	other, err := f.DeriveBook(f.DeriveRaffle(bob, usdc, nft))
	require.NoError(t, err)
	assert.NotEqual(t, book, other)
}

func TestSignAndRecover(t *testing.T) {
	s, err := NewSigner("0x" + testKey)
	require.NoError(t, err)

	op := Operation{
		Op:        "buy",
		Raffle:    alice,
		Fields:    map[string]string{"quantity": "3", "buyer": s.Address().Hex()},
		Nonce:     "n-1",
		ExpiresAt: 1_900_000_000,
	}
	sig, err := s.SignOperation(op)
	require.NoError(t, err)

	got, err := RecoverSigner(op, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	tampered := op
	tampered.Fields = map[string]string{"quantity": "30", "buyer": s.Address().Hex()}
	got, err = RecoverSigner(tampered, sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), got)

	_, err = RecoverSigner(op, "0x1234")
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestCanonicalFieldsAndExpiry(t *testing.T) {
	assert.Equal(t, "a=1&b=2", CanonicalFields(map[string]string{"b": "2", "a": "1"}))
	assert.Equal(t, "", CanonicalFields(nil))

	op := Operation{ExpiresAt: 100}
	assert.False(t, op.Expired(time.Unix(100, 0)))
	assert.True(t, op.Expired(time.Unix(101, 0)))
	assert.False(t, Operation{}.Expired(time.Now()))
}

func TestKeyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, WriteKeyFile(path, testKey, "hunter2"))

	s, err := LoadKey(KeySource{Path: path, Password: "hunter2"})
	require.NoError(t, err)
	raw, err := NewSigner(testKey)
	require.NoError(t, err)
	assert.Equal(t, raw.Address(), s.Address())

	_, err = LoadKey(KeySource{Path: path, Password: "wrong"})
	require.Error(t, err)
	_, err = LoadKey(KeySource{})
	require.Error(t, err)
	_, err = EncryptKey(testKey, "")
	require.Error(t, err)
}

func TestGenerateKey(t *testing.T) {
	keyHex, addr, err := GenerateKey()
	require.NoError(t, err)
	s, err := NewSigner(keyHex)
	require.NoError(t, err)
	assert.Equal(t, addr, s.Address())
}
