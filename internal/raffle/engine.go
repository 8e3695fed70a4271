// Package raffle implements the raffle lifecycle: create, buy, draw, disburse
// and close, each as one atomic unit serialised per raffle.
package raffle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/raffler/internal/crypto"
	"github.com/alanyoungcy/raffler/internal/domain"
	"github.com/alanyoungcy/raffler/internal/entropy"
	"github.com/alanyoungcy/raffler/internal/escrow"
	"github.com/alanyoungcy/raffler/internal/ticketbook"
)

// Options tunes an Engine. Zero values fall back to defaults.
type Options struct {
	// Authority may close any raffle in addition to its creator.
	Authority             common.Address
	MaxTicketsPerPurchase uint64
	Locks                 domain.LockManager
	LockTTL               time.Duration
	LockWait              time.Duration
	Now                   func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// Engine runs raffle operations against a RaffleStore.
type Engine struct {
	store   domain.RaffleStore
	source  entropy.Source
	factory crypto.AccountFactory
	events  *Publisher
	opts    Options
	mu      keyedMutex
	logger  *slog.Logger
}

// NewEngine creates an Engine. events may be nil.
func NewEngine(
	store domain.RaffleStore,
	source entropy.Source,
	factory crypto.AccountFactory,
	events *Publisher,
	opts Options,
	logger *slog.Logger,
) *Engine {
	if opts.MaxTicketsPerPurchase == 0 {
		opts.MaxTicketsPerPurchase = DefaultMaxTicketsPerPurchase
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 2 * time.Second
	}
	return &Engine{
		store:   store,
		source:  source,
		factory: factory,
		events:  events,
		opts:    opts,
		logger:  logger.With(slog.String("component", "raffle_engine")),
	}
}

// Factory returns the address factory the engine derives raffles with.
func (e *Engine) Factory() crypto.AccountFactory { return e.factory }

// Authority returns the configured close authority.
func (e *Engine) Authority() common.Address { return e.opts.Authority }

// Create validates cfg, stores a new raffle at its derived address and locks
// the prize deposit in escrow.
func (e *Engine) Create(ctx context.Context, cfg domain.RaffleConfig) (domain.Raffle, error) {
	now := e.opts.now()
	if err := validateConfig(cfg, now); err != nil {
		return domain.Raffle{}, fmt.Errorf("raffle: create: %w", err)
	}
	deposit, err := prizeDeposit(cfg)
	if err != nil {
		return domain.Raffle{}, fmt.Errorf("raffle: create: %w", err)
	}
	addr := e.factory.DeriveRaffle(cfg.Creator, cfg.CostToken, cfg.PrizeToken)
	bookAddr, err := e.factory.DeriveBook(addr)
	if err != nil {
		return domain.Raffle{}, fmt.Errorf("raffle: create: %w", err)
	}
	if _, err := ticketbook.New(addr, cfg.MaxEntries); err != nil {
		return domain.Raffle{}, fmt.Errorf("raffle: create: %w: %w", domain.ErrInvalidConfig, err)
	}

	var r domain.Raffle
	err = e.exclusive(ctx, addr, func() error {
		return e.store.WithinTx(ctx, func(tx domain.RaffleTx) error {
			r = domain.Raffle{
				RaffleConfig: cfg,
				Address:      addr,
				BookAddress:  bookAddr,
				State:        domain.RaffleCreated,
				CostEscrow:   domain.EscrowBalance{Decimals: cfg.CostDecimals},
				PrizeEscrow:  domain.EscrowBalance{Decimals: cfg.PrizeDecimals},
				Version:      1,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := tx.InsertRaffle(ctx, r); err != nil {
				return err
			}
			ledger := escrow.New(r, tx)
			if err := ledger.Fund(ctx, domain.EscrowPrize, cfg.Creator, deposit); err != nil {
				return err
			}
			ledger.Apply(&r)
			r.State = domain.RaffleOpen
			r.Version++
			return tx.UpdateRaffle(ctx, r)
		})
	})
	if err != nil {
		return domain.Raffle{}, fmt.Errorf("raffle: create %s: %w", addr.Hex(), err)
	}

	e.logger.InfoContext(ctx, "raffle created",
		slog.String("raffle", addr.Hex()),
		slog.String("creator", cfg.Creator.Hex()),
		slog.Uint64("max_entries", cfg.MaxEntries),
		slog.Uint64("prize_deposit", deposit),
	)
	e.events.emit(ctx, EventCreated, r, map[string]any{
		"creator":       cfg.Creator.Hex(),
		"prize_deposit": deposit,
		"end":           cfg.End,
	})
	return r, nil
}

// BuyTicket sells quantity tickets of raffle to buyer, moving their cost from
// the buyer's wallet into cost escrow.
func (e *Engine) BuyTicket(ctx context.Context, addr, buyer common.Address, quantity uint64) (domain.TicketEntry, error) {
	var (
		entry domain.TicketEntry
		r     domain.Raffle
		cost  uint64
	)
	err := e.exclusive(ctx, addr, func() error {
		return e.store.WithinTx(ctx, func(tx domain.RaffleTx) error {
			var err error
			r, err = tx.GetRaffle(ctx, addr)
			if err != nil {
				return err
			}
			if err := e.checkBuyable(r, quantity); err != nil {
				return err
			}

			entries, err := tx.ListEntries(ctx, addr)
			if err != nil {
				return err
			}
			book, err := ticketbook.Restore(addr, r.MaxEntries, entries)
			if err != nil {
				return err
			}
			if book.Sold() != r.TicketsSold {
				return fmt.Errorf("%w: book holds %d tickets, header %d", ticketbook.ErrCorrupt, book.Sold(), r.TicketsSold)
			}

			if cost, err = ticketCost(r.RaffleConfig, quantity); err != nil {
				return err
			}
			ledger := escrow.New(r, tx)
			if err := ledger.Fund(ctx, domain.EscrowCost, buyer, cost); err != nil {
				return err
			}
			entry, err = book.Append(buyer, quantity)
			if errors.Is(err, domain.ErrFull) {
				return fmt.Errorf("%w: %w", domain.ErrSoldOut, err)
			}
			if err != nil {
				return err
			}
			if err := tx.AppendEntry(ctx, addr, book.Len()-1, entry); err != nil {
				return err
			}

			ledger.Apply(&r)
			r.TicketsSold = book.Sold()
			r.UniqueEntries = book.UniqueBuyers()
			if r.TicketsSold == r.MaxEntries {
				r.State = domain.RaffleSoldOut
			}
			r.Version++
			r.UpdatedAt = e.opts.now()
			return tx.UpdateRaffle(ctx, r)
		})
	})
	if err != nil {
		return domain.TicketEntry{}, fmt.Errorf("raffle: buy %s: %w", addr.Hex(), err)
	}

	e.logger.InfoContext(ctx, "tickets purchased",
		slog.String("raffle", addr.Hex()),
		slog.String("buyer", buyer.Hex()),
		slog.Uint64("quantity", quantity),
		slog.Uint64("tickets_sold", r.TicketsSold),
	)
	e.events.emit(ctx, EventPurchased, r, map[string]any{
		"buyer":        buyer.Hex(),
		"quantity":     quantity,
		"offset":       entry.Offset,
		"cost":         cost,
		"tickets_sold": r.TicketsSold,
	})
	return entry, nil
}

// checkBuyable applies the purchase preconditions in their fixed order.
func (e *Engine) checkBuyable(r domain.Raffle, quantity uint64) error {
	if quantity == 0 {
		return domain.ErrInvalidQuantity
	}
	if quantity > e.opts.MaxTicketsPerPurchase {
		return fmt.Errorf("%w: %d > %d", domain.ErrTooManyTickets, quantity, e.opts.MaxTicketsPerPurchase)
	}
	switch r.State {
	case domain.RaffleOpen:
	case domain.RaffleSoldOut:
		return domain.ErrSoldOut
	case domain.RaffleWinnerSelected, domain.RaffleDisbursed, domain.RaffleClosed, domain.RaffleForceClosed:
		return domain.ErrRaffleClosed
	default:
		return fmt.Errorf("%w: %s", domain.ErrWrongState, r.State)
	}
	now := e.opts.now()
	if now.Before(r.Start) {
		return domain.ErrNotYetOpen
	}
	if !now.Before(r.End) {
		return domain.ErrWindowElapsed
	}
	if quantity > r.MaxEntries-r.TicketsSold {
		return fmt.Errorf("%w: %d of %d remaining", domain.ErrSoldOut, r.MaxEntries-r.TicketsSold, r.MaxEntries)
	}
	return nil
}

// SelectWinner draws the winners of a raffle whose sale has ended. Calling it
// again after a draw returns the recorded winners unchanged.
func (e *Engine) SelectWinner(ctx context.Context, addr common.Address) ([]domain.Winner, error) {
	var (
		r     domain.Raffle
		fresh bool
	)
	err := e.exclusive(ctx, addr, func() error {
		return e.store.WithinTx(ctx, func(tx domain.RaffleTx) error {
			var err error
			r, err = tx.GetRaffle(ctx, addr)
			if err != nil {
				return err
			}
			if r.Drawn {
				return nil
			}
			ended := r.State == domain.RaffleOpen && !e.opts.now().Before(r.End)
			if !ended && r.State != domain.RaffleSoldOut {
				return fmt.Errorf("%w: draw from %s", domain.ErrWrongState, r.StateAt(e.opts.now()))
			}
			if r.TicketsSold == 0 {
				return domain.ErrNoEntries
			}

			entries, err := tx.ListEntries(ctx, addr)
			if err != nil {
				return err
			}
			sample, err := e.source.Sample(ctx)
			if err != nil {
				return err
			}
			winners, err := entropy.Select(sample.Seed, entries, winnerCount(r))
			if err != nil {
				return err
			}
			for _, w := range winners {
				if w.Ticket >= r.TicketsSold {
					return fmt.Errorf("raffle: drawn ticket %d outside [0, %d)", w.Ticket, r.TicketsSold)
				}
			}

			r.Winners = winners
			r.Seed = sample.Seed
			r.SeedSource = sample.Source
			r.SeedHeight = sample.Height
			r.Drawn = true
			r.State = domain.RaffleWinnerSelected
			r.Version++
			r.UpdatedAt = e.opts.now()
			fresh = true
			return tx.UpdateRaffle(ctx, r)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("raffle: select winner %s: %w", addr.Hex(), err)
	}
	if fresh {
		e.logger.InfoContext(ctx, "winner selected",
			slog.String("raffle", addr.Hex()),
			slog.Int("winners", len(r.Winners)),
			slog.String("seed_source", r.SeedSource),
		)
		e.events.emit(ctx, EventDrawn, r, map[string]any{
			"winners":     r.Winners,
			"seed_source": r.SeedSource,
			"seed_height": r.SeedHeight,
		})
	}
	return r.Winners, nil
}

// Disburse pays every drawn winner from prize escrow. A raffle that was
// already paid returns the earlier payouts with Repeated set.
func (e *Engine) Disburse(ctx context.Context, addr common.Address) (domain.Disbursement, error) {
	var (
		r   domain.Raffle
		out domain.Disbursement
	)
	err := e.exclusive(ctx, addr, func() error {
		return e.store.WithinTx(ctx, func(tx domain.RaffleTx) error {
			var err error
			r, err = tx.GetRaffle(ctx, addr)
			if err != nil {
				return err
			}
			switch r.State {
			case domain.RaffleDisbursed:
				out, err = payouts(r)
				out.Repeated = true
				out.Completed = r.UpdatedAt
				return err
			case domain.RaffleWinnerSelected:
			default:
				return fmt.Errorf("%w: disburse from %s", domain.ErrWrongState, r.StateAt(e.opts.now()))
			}

			if out, err = payouts(r); err != nil {
				return err
			}
			if r.PrizeEscrow.Amount < out.Total {
				e.logger.ErrorContext(ctx, "prize escrow shortfall",
					slog.String("raffle", addr.Hex()),
					slog.Uint64("escrow", r.PrizeEscrow.Amount),
					slog.Uint64("owed", out.Total),
				)
				return fmt.Errorf("%w: escrow %d, owed %d", domain.ErrEscrowShortfall, r.PrizeEscrow.Amount, out.Total)
			}

			ledger := escrow.New(r, tx)
			for _, p := range out.Payouts {
				if err := ledger.Release(ctx, domain.EscrowPrize, p.Winner, p.Amount); err != nil {
					return err
				}
			}
			ledger.Apply(&r)
			r.PrizesSent = uint64(len(out.Payouts))
			r.State = domain.RaffleDisbursed
			r.Version++
			r.UpdatedAt = e.opts.now()
			out.Completed = r.UpdatedAt
			return tx.UpdateRaffle(ctx, r)
		})
	})
	if err != nil {
		return domain.Disbursement{}, fmt.Errorf("raffle: disburse %s: %w", addr.Hex(), err)
	}
	if !out.Repeated {
		e.logger.InfoContext(ctx, "prize disbursed",
			slog.String("raffle", addr.Hex()),
			slog.Int("winners", len(out.Payouts)),
			slog.Uint64("total", out.Total),
		)
		e.events.emit(ctx, EventDisbursed, r, map[string]any{
			"payouts": out.Payouts,
			"total":   out.Total,
		})
	}
	return out, nil
}

// payouts computes the prize owed to each recorded winner.
func payouts(r domain.Raffle) (domain.Disbursement, error) {
	each, err := payoutPerWinner(r)
	if err != nil {
		return domain.Disbursement{}, err
	}
	out := domain.Disbursement{Raffle: r.Address, Payouts: make([]domain.Payout, 0, len(r.Winners))}
	for _, w := range r.Winners {
		out.Payouts = append(out.Payouts, domain.Payout{Winner: w.Buyer, Amount: each})
		total, carry := bits.Add64(out.Total, each, 0)
		if carry != 0 {
			return domain.Disbursement{}, fmt.Errorf("%w: payout total overflows", domain.ErrEscrowShortfall)
		}
		out.Total = total
	}
	return out, nil
}

// Close settles both escrow balances and deletes the raffle. Without force it
// requires a disbursed raffle, or an expired one that sold nothing; with
// force it refunds everything to the creator from any state. Once tickets are
// sold and not yet paid out, only the authority may force a close.
func (e *Engine) Close(ctx context.Context, addr, caller common.Address, force bool) (domain.Settlement, error) {
	var (
		final   domain.Raffle
		entries []domain.TicketEntry
		set     domain.Settlement
	)
	err := e.exclusive(ctx, addr, func() error {
		return e.store.WithinTx(ctx, func(tx domain.RaffleTx) error {
			r, err := tx.GetRaffle(ctx, addr)
			if err != nil {
				return err
			}
			if caller != r.Creator && (e.opts.Authority == (common.Address{}) || caller != e.opts.Authority) {
				return fmt.Errorf("%w: %s may not close", domain.ErrUnauthorized, caller.Hex())
			}
			if force && r.TicketsSold > 0 && r.State != domain.RaffleDisbursed &&
				(e.opts.Authority == (common.Address{}) || caller != e.opts.Authority) {
				return fmt.Errorf("%w: only the authority may force close a raffle with sales", domain.ErrUnauthorized)
			}
			if !force {
				emptyExpired := r.State == domain.RaffleOpen && r.TicketsSold == 0 && !e.opts.now().Before(r.End)
				if r.State != domain.RaffleDisbursed && !emptyExpired {
					return fmt.Errorf("%w: close from %s", domain.ErrWrongState, r.StateAt(e.opts.now()))
				}
			}

			ledger := escrow.New(r, tx)
			set = domain.Settlement{Raffle: addr, Forced: force}
			if cost := ledger.Balance(domain.EscrowCost).Amount; cost > 0 {
				if r.Burn && !force {
					if err := ledger.Burn(ctx, domain.EscrowCost, cost); err != nil {
						return err
					}
					set.CostBurned = cost
				} else {
					if err := ledger.Release(ctx, domain.EscrowCost, r.Creator, cost); err != nil {
						return err
					}
					set.CostRefunded = cost
				}
			}
			if prize := ledger.Balance(domain.EscrowPrize).Amount; prize > 0 {
				if err := ledger.Release(ctx, domain.EscrowPrize, r.Creator, prize); err != nil {
					return err
				}
				set.PrizeReturned = prize
			}
			if c, p := ledger.Balance(domain.EscrowCost).Amount, ledger.Balance(domain.EscrowPrize).Amount; c != 0 || p != 0 {
				return fmt.Errorf("%w: %d cost and %d prize left after settlement", domain.ErrEscrowShortfall, c, p)
			}

			if entries, err = tx.ListEntries(ctx, addr); err != nil {
				return err
			}
			if err := tx.DeleteRaffle(ctx, addr); err != nil {
				return err
			}

			final = r
			ledger.Apply(&final)
			final.Closed = true
			final.State = domain.RaffleClosed
			if force {
				final.State = domain.RaffleForceClosed
			}
			final.Version++
			final.UpdatedAt = e.opts.now()
			set.FinalState = final.State
			return nil
		})
	})
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("raffle: close %s: %w", addr.Hex(), err)
	}

	e.logger.InfoContext(ctx, "raffle closed",
		slog.String("raffle", addr.Hex()),
		slog.String("state", string(final.State)),
		slog.Uint64("cost_refunded", set.CostRefunded),
		slog.Uint64("cost_burned", set.CostBurned),
		slog.Uint64("prize_returned", set.PrizeReturned),
	)
	e.events.archive(ctx, final, entries)
	e.events.emit(ctx, EventClosed, final, map[string]any{
		"forced":         force,
		"caller":         caller.Hex(),
		"cost_refunded":  set.CostRefunded,
		"cost_burned":    set.CostBurned,
		"prize_returned": set.PrizeReturned,
	})
	return set, nil
}
