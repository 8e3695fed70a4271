package raffle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/raffler/internal/domain"
)

// EventWalletFunded is audited when the faucet credits a wallet.
const EventWalletFunded = "wallet_funded"

// Fund credits amount base units of token to owner outside any raffle. It
// backs the development faucet and returns the new balance.
func (e *Engine) Fund(ctx context.Context, token, owner common.Address, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, fmt.Errorf("raffle: fund %s: %w", owner.Hex(), domain.ErrInvalidQuantity)
	}
	var after uint64
	err := e.store.WithinTx(ctx, func(tx domain.RaffleTx) error {
		if err := tx.Credit(ctx, token, owner, amount); err != nil {
			return err
		}
		var err error
		after, err = tx.Balance(ctx, token, owner)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("raffle: fund %s: %w", owner.Hex(), err)
	}

	e.logger.InfoContext(ctx, "wallet funded",
		slog.String("token", token.Hex()),
		slog.String("owner", owner.Hex()),
		slog.Uint64("amount", amount),
	)
	if e.events != nil && e.events.Audit != nil {
		detail := map[string]any{"token": token.Hex(), "owner": owner.Hex(), "amount": amount}
		if err := e.events.Audit.Log(ctx, EventWalletFunded, detail); err != nil {
			e.events.warn(ctx, "audit log failed", EventWalletFunded, err)
		}
	}
	return after, nil
}
