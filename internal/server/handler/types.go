package handler

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/raffler/internal/domain"
)

// CreateRequest is the body of POST /api/raffles. The signer is the creator.
// Start and End are unix seconds.
type CreateRequest struct {
	Envelope
	CostToken     string `json:"cost_token"`
	PrizeToken    string `json:"prize_token"`
	Price         uint64 `json:"price"`
	PrizeQuantity uint64 `json:"prize_quantity"`
	PerWin        uint64 `json:"per_win"`
	MaxEntries    uint64 `json:"max_entries"`
	WinMultiple   bool   `json:"win_multiple"`
	Burn          bool   `json:"burn"`
	Fixed         bool   `json:"fixed"`
	CostDecimals  uint8  `json:"cost_decimals"`
	PrizeDecimals uint8  `json:"prize_decimals"`
	Start         int64  `json:"start"`
	End           int64  `json:"end"`
	Description   string `json:"description,omitempty"`
	NFTURI        string `json:"nft_uri,omitempty"`
	NFTImage      string `json:"nft_image,omitempty"`
}

// Config converts the request into a raffle configuration for creator.
func (c CreateRequest) Config(creator common.Address) (domain.RaffleConfig, error) {
	cost, ok := parseAddress(c.CostToken)
	if !ok {
		return domain.RaffleConfig{}, fmt.Errorf("%w: cost_token %q is not an address", domain.ErrInvalidConfig, c.CostToken)
	}
	prize, ok := parseAddress(c.PrizeToken)
	if !ok {
		return domain.RaffleConfig{}, fmt.Errorf("%w: prize_token %q is not an address", domain.ErrInvalidConfig, c.PrizeToken)
	}
	return domain.RaffleConfig{
		Creator:       creator,
		CostToken:     cost,
		PrizeToken:    prize,
		Price:         c.Price,
		PrizeQuantity: c.PrizeQuantity,
		PerWin:        c.PerWin,
		MaxEntries:    c.MaxEntries,
		WinMultiple:   c.WinMultiple,
		Burn:          c.Burn,
		Fixed:         c.Fixed,
		CostDecimals:  c.CostDecimals,
		PrizeDecimals: c.PrizeDecimals,
		Start:         time.Unix(c.Start, 0).UTC(),
		End:           time.Unix(c.End, 0).UTC(),
		Description:   c.Description,
		NFTURI:        c.NFTURI,
		NFTImage:      c.NFTImage,
	}, nil
}

// BuyRequest is the body of POST /api/raffles/{address}/tickets. The signer
// is the buyer.
type BuyRequest struct {
	Envelope
	Quantity uint64 `json:"quantity"`
}

// CloseRequest is the body of POST /api/raffles/{address}/close.
type CloseRequest struct {
	Envelope
	Force bool `json:"force"`
}

// FundRequest is the body of POST /api/wallets/{owner}/fund. Amount is in the
// token's smallest unit.
type FundRequest struct {
	Token  string `json:"token"`
	Amount uint64 `json:"amount"`
}

// RaffleView is a raffle header with its state evaluated at request time.
type RaffleView struct {
	domain.Raffle
	EffectiveState domain.RaffleState `json:"effective_state"`
}

func viewOf(r domain.Raffle, now time.Time) RaffleView {
	return RaffleView{Raffle: r, EffectiveState: r.StateAt(now)}
}
