package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	raffleSeedTag = []byte("raffler:raffle")
	bookSeedTag   = []byte("raffler:book")
)

// AccountFactory derives the deterministic addresses of raffles and their
// ticket books. Two factories with the same ProgramID always agree.
type AccountFactory struct {
	ProgramID common.Address
}

// NewAccountFactory returns a factory scoped to programID.
func NewAccountFactory(programID common.Address) AccountFactory {
	return AccountFactory{ProgramID: programID}
}

// DeriveRaffle returns the raffle address for the (creator, costToken,
// prizeToken) triple: the last 20 bytes of
// keccak256(tag || programID || creator || costToken || prizeToken).
func (f AccountFactory) DeriveRaffle(creator, costToken, prizeToken common.Address) common.Address {
	h := ethcrypto.Keccak256(
		raffleSeedTag,
		f.ProgramID.Bytes(),
		creator.Bytes(),
		costToken.Bytes(),
		prizeToken.Bytes(),
	)
	return common.BytesToAddress(h[12:])
}

// DeriveBookKey returns the secp256k1 keypair owning the ticket book of
// raffle. The scalar is keccak256(tag || raffle || counter) for the first
// counter that yields a valid key.
func (f AccountFactory) DeriveBookKey(raffle common.Address) (*ecdsa.PrivateKey, error) {
	for counter := 0; counter < 256; counter++ {
		d := ethcrypto.Keccak256(bookSeedTag, raffle.Bytes(), []byte{byte(counter)})
		key, err := ethcrypto.ToECDSA(d)
		if err == nil {
			return key, nil
		}
	}
	return nil, errors.New("crypto: no valid book key for " + raffle.Hex())
}

// DeriveBook returns the address of the book keypair of raffle.
func (f AccountFactory) DeriveBook(raffle common.Address) (common.Address, error) {
	key, err := f.DeriveBookKey(raffle)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: derive book: %w", err)
	}
	return ethcrypto.PubkeyToAddress(key.PublicKey), nil
}
