package raffle

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/raffler/internal/domain"
	"github.com/alanyoungcy/raffler/internal/ticketbook"
)

const (
	maxDecimals       = 18
	maxDescriptionLen = 512
	maxURILen         = 256

	// DefaultMaxTicketsPerPurchase bounds the quantity of a single buy.
	DefaultMaxTicketsPerPurchase = 1000
)

// pow10 returns 10^d for d <= 19.
func pow10(d uint8) uint64 {
	v := uint64(1)
	for i := uint8(0); i < d; i++ {
		v *= 10
	}
	return v
}

// mul returns a*b and whether it fits in int64.
func mul(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0 && lo <= math.MaxInt64
}

// ticketCost is the base-unit price of qty tickets.
func ticketCost(cfg domain.RaffleConfig, qty uint64) (uint64, error) {
	unit, ok := mul(cfg.Price, pow10(cfg.CostDecimals))
	if !ok {
		return 0, fmt.Errorf("raffle: ticket price overflows: %w", domain.ErrInvalidConfig)
	}
	cost, ok := mul(unit, qty)
	if !ok {
		return 0, fmt.Errorf("raffle: cost of %d tickets overflows: %w", qty, domain.ErrInvalidConfig)
	}
	return cost, nil
}

// prizeDeposit is the base-unit amount locked in prize escrow at create.
func prizeDeposit(cfg domain.RaffleConfig) (uint64, error) {
	v, ok := mul(cfg.PrizeQuantity, pow10(cfg.PrizeDecimals))
	if !ok {
		return 0, fmt.Errorf("raffle: prize deposit overflows: %w", domain.ErrInvalidConfig)
	}
	return v, nil
}

// payoutPerWinner is PerWin scaled to base units, reduced in proportion to
// tickets sold unless the raffle pays a fixed prize.
func payoutPerWinner(r domain.Raffle) (uint64, error) {
	full, ok := mul(r.PerWin, pow10(r.PrizeDecimals))
	if !ok {
		return 0, fmt.Errorf("raffle: payout overflows: %w", domain.ErrInvalidConfig)
	}
	if r.Fixed || r.TicketsSold >= r.MaxEntries {
		return full, nil
	}
	hi, lo := bits.Mul64(full, r.TicketsSold)
	q, _ := bits.Div64(hi, lo, r.MaxEntries)
	return q, nil
}

// winnerCount is the number of distinct buyers to draw.
func winnerCount(r domain.Raffle) int {
	if !r.WinMultiple {
		return 1
	}
	n := r.PrizeQuantity / r.PerWin
	if n > r.UniqueEntries {
		n = r.UniqueEntries
	}
	if n == 0 {
		n = 1
	}
	return int(n)
}

// validateConfig rejects configurations create must not accept. Every
// failure wraps domain.ErrInvalidConfig.
func validateConfig(cfg domain.RaffleConfig, now time.Time) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	var zero common.Address
	if cfg.Creator == zero {
		bad("creator is the zero address")
	}
	if cfg.CostToken == zero || cfg.PrizeToken == zero {
		bad("token is the zero address")
	}
	if cfg.Price == 0 {
		bad("price must be positive")
	}
	if cfg.MaxEntries == 0 || cfg.MaxEntries > ticketbook.MaxCapacity {
		bad("max_entries must be in [1, %d], got %d", ticketbook.MaxCapacity, cfg.MaxEntries)
	}
	if !cfg.Start.Before(cfg.End) {
		bad("start must be before end")
	}
	if !cfg.End.After(now) {
		bad("end must be in the future")
	}
	if cfg.PrizeQuantity == 0 {
		bad("prize_quantity must be positive")
	}
	if cfg.PerWin == 0 || cfg.PerWin > cfg.PrizeQuantity {
		bad("per_win must be in [1, prize_quantity]")
	}
	if cfg.CostDecimals > maxDecimals || cfg.PrizeDecimals > maxDecimals {
		bad("decimals must be at most %d", maxDecimals)
	}
	if utf8.RuneCountInString(cfg.Description) > maxDescriptionLen {
		bad("description longer than %d characters", maxDescriptionLen)
	}
	if len(cfg.NFTURI) > maxURILen || len(cfg.NFTImage) > maxURILen {
		bad("nft uri/image longer than %d bytes", maxURILen)
	}
	if len(errs) == 0 {
		if _, err := ticketCost(cfg, cfg.MaxEntries); err != nil {
			errs = append(errs, err)
		}
		if _, err := prizeDeposit(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
