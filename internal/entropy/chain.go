package entropy

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var chainDomainTag = []byte("raffler:entropy:v1")

// HeaderReader is the subset of ethclient.Client used by ChainSource.
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// ChainSource derives seeds from recent block hashes of an EVM chain. With
// Confirmations > 0 it reads the block that many blocks behind the head, so
// the seed cannot be reorganised away cheaply.
type ChainSource struct {
	client        HeaderReader
	confirmations uint64
}

// NewChainSource wraps an existing header reader.
func NewChainSource(client HeaderReader, confirmations uint64) *ChainSource {
	return &ChainSource{client: client, confirmations: confirmations}
}

// DialChain connects to rpcURL and returns a ChainSource plus a close func.
func DialChain(ctx context.Context, rpcURL string, confirmations uint64) (*ChainSource, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("entropy: dial %s: %w", rpcURL, err)
	}
	return NewChainSource(client, confirmations), client.Close, nil
}

// Sample returns keccak256(tag || blockHash) of the selected block.
func (c *ChainSource) Sample(ctx context.Context) (Sample, error) {
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Sample{}, fmt.Errorf("entropy: chain head: %w", err)
	}
	header := head
	if c.confirmations > 0 && head.Number != nil && head.Number.Uint64() > c.confirmations {
		target := new(big.Int).Sub(head.Number, new(big.Int).SetUint64(c.confirmations))
		header, err = c.client.HeaderByNumber(ctx, target)
		if err != nil {
			return Sample{}, fmt.Errorf("entropy: header %s: %w", target, err)
		}
	}
	hash := header.Hash()
	var height uint64
	if header.Number != nil {
		height = header.Number.Uint64()
	}
	return Sample{
		Seed:   ethcrypto.Keccak256(chainDomainTag, hash.Bytes()),
		Source: "chain:" + hash.Hex(),
		Height: height,
		Taken:  time.Now().UTC(),
	}, nil
}
