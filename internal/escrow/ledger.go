// Package escrow implements the two custodial balances of a raffle and the
// atomic legs that move tokens between wallets and escrow.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/raffler/internal/domain"
)

var ErrUnknownSide = errors.New("escrow: unknown side")

// Totals accumulates every movement through one side of the ledger.
// Deposited == Released + Burned + balance holds after each operation.
type Totals struct {
	Deposited uint64
	Released  uint64
	Burned    uint64
}

// Ledger owns the cost-side and prize-side balances of one raffle. Deposit
// and Withdraw are the only balance mutators.
type Ledger struct {
	raffle     common.Address
	costToken  common.Address
	prizeToken common.Address
	cost       domain.EscrowBalance
	prize      domain.EscrowBalance
	bank       domain.TokenBank
	totals     map[domain.EscrowSide]*Totals
}

// New loads the escrow balances of r. Wallet legs go through bank.
func New(r domain.Raffle, bank domain.TokenBank) *Ledger {
	return &Ledger{
		raffle:     r.Address,
		costToken:  r.CostToken,
		prizeToken: r.PrizeToken,
		cost:       r.CostEscrow,
		prize:      r.PrizeEscrow,
		bank:       bank,
		totals: map[domain.EscrowSide]*Totals{
			domain.EscrowCost:  {},
			domain.EscrowPrize: {},
		},
	}
}

// Balance returns the current balance of side.
func (l *Ledger) Balance(side domain.EscrowSide) domain.EscrowBalance {
	if b, err := l.balance(side); err == nil {
		return *b
	}
	return domain.EscrowBalance{}
}

// Totals returns the movements recorded on side since New.
func (l *Ledger) Totals(side domain.EscrowSide) Totals {
	if t, ok := l.totals[side]; ok {
		return *t
	}
	return Totals{}
}

// Token returns the token held on side.
func (l *Ledger) Token(side domain.EscrowSide) common.Address {
	if side == domain.EscrowPrize {
		return l.prizeToken
	}
	return l.costToken
}

// Apply writes the balances back onto r.
func (l *Ledger) Apply(r *domain.Raffle) {
	r.CostEscrow = l.cost
	r.PrizeEscrow = l.prize
}

// Deposit credits amount to side.
func (l *Ledger) Deposit(side domain.EscrowSide, amount uint64) error {
	b, err := l.balance(side)
	if err != nil {
		return err
	}
	sum, carry := bits.Add64(b.Amount, amount, 0)
	if carry != 0 {
		return fmt.Errorf("escrow: deposit %d to %s: %w", amount, side, domain.ErrEscrowOverflow)
	}
	b.Amount = sum
	return nil
}

// Withdraw debits amount from side. It fails with ErrInsufficientEscrow
// rather than leaving the balance negative.
func (l *Ledger) Withdraw(side domain.EscrowSide, amount uint64) error {
	b, err := l.balance(side)
	if err != nil {
		return err
	}
	if amount > b.Amount {
		return fmt.Errorf("escrow: withdraw %d from %s holding %d: %w",
			amount, side, b.Amount, domain.ErrInsufficientEscrow)
	}
	b.Amount -= amount
	return nil
}

// Fund moves amount from the wallet of from into side. The wallet debit is
// reversed if the escrow credit fails.
func (l *Ledger) Fund(ctx context.Context, side domain.EscrowSide, from common.Address, amount uint64) error {
	token := l.Token(side)
	if err := l.bank.Debit(ctx, token, from, amount); err != nil {
		return fmt.Errorf("escrow: fund %s from %s: %w", side, from.Hex(), err)
	}
	if err := l.Deposit(side, amount); err != nil {
		if rbErr := l.bank.Credit(ctx, token, from, amount); rbErr != nil {
			return errors.Join(err, fmt.Errorf("escrow: reverse debit: %w", rbErr))
		}
		return err
	}
	l.totals[side].Deposited += amount
	return nil
}

// Release moves amount from side to the wallet of to. The escrow withdraw is
// reversed if the wallet credit fails.
func (l *Ledger) Release(ctx context.Context, side domain.EscrowSide, to common.Address, amount uint64) error {
	if err := l.Withdraw(side, amount); err != nil {
		return err
	}
	if err := l.bank.Credit(ctx, l.Token(side), to, amount); err != nil {
		l.mustRedeposit(side, amount)
		return fmt.Errorf("escrow: release %s to %s: %w", side, to.Hex(), err)
	}
	l.totals[side].Released += amount
	return nil
}

// Burn destroys amount held on side.
func (l *Ledger) Burn(ctx context.Context, side domain.EscrowSide, amount uint64) error {
	if err := l.Withdraw(side, amount); err != nil {
		return err
	}
	if err := l.bank.Burn(ctx, l.Token(side), amount); err != nil {
		l.mustRedeposit(side, amount)
		return fmt.Errorf("escrow: burn %s: %w", side, err)
	}
	l.totals[side].Burned += amount
	return nil
}

// mustRedeposit reverses a withdraw that just succeeded on side; the
// amount was present a moment ago so the credit cannot overflow.
func (l *Ledger) mustRedeposit(side domain.EscrowSide, amount uint64) {
	b, _ := l.balance(side)
	b.Amount += amount
}

func (l *Ledger) balance(side domain.EscrowSide) (*domain.EscrowBalance, error) {
	switch side {
	case domain.EscrowCost:
		return &l.cost, nil
	case domain.EscrowPrize:
		return &l.prize, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSide, side)
	}
}
