package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/raffler/internal/domain"
)

const pgUniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RaffleStore implements domain.RaffleStore. Wallet balances live in
// token_balances so that a purchase and its debit commit together.
type RaffleStore struct {
	pool *pgxpool.Pool
}

var _ domain.RaffleStore = (*RaffleStore)(nil)

func NewRaffleStore(pool *pgxpool.Pool) *RaffleStore {
	return &RaffleStore{pool: pool}
}

// WithinTx runs fn in a READ COMMITTED transaction. GetRaffle inside fn takes
// a row lock, so concurrent operations on one raffle queue at the database.
func (s *RaffleStore) WithinTx(ctx context.Context, fn func(tx domain.RaffleTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&raffleTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (s *RaffleStore) Get(ctx context.Context, addr common.Address) (domain.Raffle, error) {
	return getRaffle(ctx, s.pool, addr, false)
}

func (s *RaffleStore) Entries(ctx context.Context, addr common.Address) ([]domain.TicketEntry, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM raffles WHERE address = $1)`, addr.Bytes()).Scan(&exists); err != nil {
		return nil, fmt.Errorf("postgres: raffle exists %s: %w", addr.Hex(), err)
	}
	if !exists {
		return nil, fmt.Errorf("postgres: raffle %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	return listEntries(ctx, s.pool, addr)
}

// List returns raffles newest first.
func (s *RaffleStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Raffle, error) {
	q := newQuery(`SELECT ` + raffleColumns + ` FROM raffles WHERE TRUE`)
	switch opts.State {
	case "":
	case domain.RaffleExpired:
		q.where("state = ? AND end_at <= ?", string(domain.RaffleOpen), time.Now().UTC())
	case domain.RaffleOpen:
		q.where("state = ? AND end_at > ?", string(domain.RaffleOpen), time.Now().UTC())
	default:
		q.where("state = ?", string(opts.State))
	}
	if opts.Since != nil {
		q.where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		q.where("created_at < ?", *opts.Until)
	}
	q.order("created_at DESC, address")
	q.page(opts.Limit, opts.Offset)
	return queryRaffles(ctx, s.pool, q)
}

// ListDue returns raffles that can be drawn or paid at now.
func (s *RaffleStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Raffle, error) {
	q := newQuery(`SELECT ` + raffleColumns + ` FROM raffles WHERE TRUE`)
	q.where("(state IN (?, ?) OR (state = ? AND end_at <= ? AND tickets_sold > 0))",
		string(domain.RaffleSoldOut), string(domain.RaffleWinnerSelected), string(domain.RaffleOpen), now)
	q.order("end_at")
	q.page(limit, 0)
	return queryRaffles(ctx, s.pool, q)
}

func (s *RaffleStore) Balance(ctx context.Context, token, owner common.Address) (uint64, error) {
	return balance(ctx, s.pool, token, owner)
}

// raffleTx implements domain.RaffleTx over one pgx transaction.
type raffleTx struct {
	q pgx.Tx
}

func (t *raffleTx) GetRaffle(ctx context.Context, addr common.Address) (domain.Raffle, error) {
	return getRaffle(ctx, t.q, addr, true)
}

func (t *raffleTx) ListEntries(ctx context.Context, addr common.Address) ([]domain.TicketEntry, error) {
	return listEntries(ctx, t.q, addr)
}

func (t *raffleTx) InsertRaffle(ctx context.Context, r domain.Raffle) error {
	winners, err := marshalWinners(r.Winners)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, `
		INSERT INTO raffles (`+raffleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34)
		ON CONFLICT (address) DO NOTHING`,
		raffleArgs(r, winners)...,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert raffle %s: %w", r.Address.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: raffle %s: %w", r.Address.Hex(), domain.ErrAlreadyExists)
	}
	return nil
}

func (t *raffleTx) UpdateRaffle(ctx context.Context, r domain.Raffle) error {
	winners, err := marshalWinners(r.Winners)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, `
		UPDATE raffles SET
			state = $2, tickets_sold = $3, unique_entries = $4, winners = $5,
			seed = $6, seed_source = $7, seed_height = $8, drawn = $9, closed = $10,
			prizes_sent = $11, cost_escrow = $12, prize_escrow = $13,
			version = $14, updated_at = $15
		WHERE address = $1 AND version = $16`,
		r.Address.Bytes(), string(r.State), int64(r.TicketsSold), int64(r.UniqueEntries), winners,
		r.Seed, r.SeedSource, int64(r.SeedHeight), r.Drawn, r.Closed,
		int64(r.PrizesSent), int64(r.CostEscrow.Amount), int64(r.PrizeEscrow.Amount),
		r.Version, r.UpdatedAt, r.Version-1,
	)
	if err != nil {
		return fmt.Errorf("postgres: update raffle %s: %w", r.Address.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: raffle %s at version %d: %w", r.Address.Hex(), r.Version-1, domain.ErrConflict)
	}
	return nil
}

func (t *raffleTx) AppendEntry(ctx context.Context, addr common.Address, index int, e domain.TicketEntry) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO ticket_entries (raffle, idx, buyer, quantity, ticket_offset)
		VALUES ($1, $2, $3, $4, $5)`,
		addr.Bytes(), index, e.Buyer.Bytes(), int64(e.Quantity), int64(e.Offset),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("postgres: entry %d of %s: %w", index, addr.Hex(), domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("postgres: append entry %s: %w", addr.Hex(), err)
	}
	return nil
}

func (t *raffleTx) DeleteRaffle(ctx context.Context, addr common.Address) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM raffles WHERE address = $1`, addr.Bytes())
	if err != nil {
		return fmt.Errorf("postgres: delete raffle %s: %w", addr.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: raffle %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	return nil
}

func (t *raffleTx) Balance(ctx context.Context, token, owner common.Address) (uint64, error) {
	return balance(ctx, t.q, token, owner)
}

func (t *raffleTx) Debit(ctx context.Context, token, owner common.Address, amount uint64) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE token_balances SET amount = amount - $3
		WHERE token = $1 AND owner = $2 AND amount >= $3`,
		token.Bytes(), owner.Bytes(), int64(amount),
	)
	if err != nil {
		return fmt.Errorf("postgres: debit %s: %w", owner.Hex(), err)
	}
	if tag.RowsAffected() == 0 && amount > 0 {
		return fmt.Errorf("postgres: debit %d from %s: %w", amount, owner.Hex(), domain.ErrInsufficientFunds)
	}
	return nil
}

func (t *raffleTx) Credit(ctx context.Context, token, owner common.Address, amount uint64) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO token_balances (token, owner, amount) VALUES ($1, $2, $3)
		ON CONFLICT (token, owner) DO UPDATE SET amount = token_balances.amount + EXCLUDED.amount`,
		token.Bytes(), owner.Bytes(), int64(amount),
	)
	if err != nil {
		return fmt.Errorf("postgres: credit %s: %w", owner.Hex(), err)
	}
	return nil
}

func (t *raffleTx) Burn(ctx context.Context, token common.Address, amount uint64) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO token_burns (token, amount) VALUES ($1, $2)
		ON CONFLICT (token) DO UPDATE SET amount = token_burns.amount + EXCLUDED.amount`,
		token.Bytes(), int64(amount),
	)
	if err != nil {
		return fmt.Errorf("postgres: burn %s: %w", token.Hex(), err)
	}
	return nil
}

func (t *raffleTx) Burned(ctx context.Context, token common.Address) (uint64, error) {
	var v int64
	err := t.q.QueryRow(ctx, `SELECT amount FROM token_burns WHERE token = $1`, token.Bytes()).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: burned %s: %w", token.Hex(), err)
	}
	return uint64(v), nil
}

// ---------------------------------------------------------------------------

const raffleColumns = `address, book_address, creator, cost_token, prize_token,
	price, prize_quantity, per_win, max_entries, win_multiple, burn, fixed,
	cost_decimals, prize_decimals, start_at, end_at, description, nft_uri, nft_image,
	state, tickets_sold, unique_entries, winners, seed, seed_source, seed_height,
	drawn, closed, prizes_sent, cost_escrow, prize_escrow, version, created_at, updated_at`

func raffleArgs(r domain.Raffle, winners []byte) []any {
	return []any{
		r.Address.Bytes(), r.BookAddress.Bytes(), r.Creator.Bytes(), r.CostToken.Bytes(), r.PrizeToken.Bytes(),
		int64(r.Price), int64(r.PrizeQuantity), int64(r.PerWin), int64(r.MaxEntries), r.WinMultiple, r.Burn, r.Fixed,
		int16(r.CostDecimals), int16(r.PrizeDecimals), r.Start, r.End, r.Description, r.NFTURI, r.NFTImage,
		string(r.State), int64(r.TicketsSold), int64(r.UniqueEntries), winners, r.Seed, r.SeedSource, int64(r.SeedHeight),
		r.Drawn, r.Closed, int64(r.PrizesSent), int64(r.CostEscrow.Amount), int64(r.PrizeEscrow.Amount), r.Version,
		r.CreatedAt, r.UpdatedAt,
	}
}

func marshalWinners(ws []domain.Winner) ([]byte, error) {
	if len(ws) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ws)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal winners: %w", err)
	}
	return b, nil
}

func getRaffle(ctx context.Context, q querier, addr common.Address, forUpdate bool) (domain.Raffle, error) {
	sql := `SELECT ` + raffleColumns + ` FROM raffles WHERE address = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	r, err := scanRaffle(q.QueryRow(ctx, sql, addr.Bytes()))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Raffle{}, fmt.Errorf("postgres: raffle %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	if err != nil {
		return domain.Raffle{}, fmt.Errorf("postgres: get raffle %s: %w", addr.Hex(), err)
	}
	return r, nil
}

func queryRaffles(ctx context.Context, q querier, qb *query) ([]domain.Raffle, error) {
	rows, err := q.Query(ctx, qb.sql, qb.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list raffles: %w", err)
	}
	defer rows.Close()

	out := []domain.Raffle{}
	for rows.Next() {
		r, err := scanRaffle(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan raffle: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list raffles rows: %w", err)
	}
	return out, nil
}

func scanRaffle(row pgx.Row) (domain.Raffle, error) {
	var (
		r                                                    domain.Raffle
		addr, book, creator, costTok, prizeTok               []byte
		price, prizeQty, perWin, maxEntries                  int64
		costDec, prizeDec                                    int16
		state                                                string
		sold, unique, seedHeight, sent, costEsc, prizeEsc    int64
		winners                                              []byte
	)
	err := row.Scan(
		&addr, &book, &creator, &costTok, &prizeTok,
		&price, &prizeQty, &perWin, &maxEntries, &r.WinMultiple, &r.Burn, &r.Fixed,
		&costDec, &prizeDec, &r.Start, &r.End, &r.Description, &r.NFTURI, &r.NFTImage,
		&state, &sold, &unique, &winners, &r.Seed, &r.SeedSource, &seedHeight,
		&r.Drawn, &r.Closed, &sent, &costEsc, &prizeEsc, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return domain.Raffle{}, err
	}
	r.Address = common.BytesToAddress(addr)
	r.BookAddress = common.BytesToAddress(book)
	r.Creator = common.BytesToAddress(creator)
	r.CostToken = common.BytesToAddress(costTok)
	r.PrizeToken = common.BytesToAddress(prizeTok)
	r.Price, r.PrizeQuantity, r.PerWin, r.MaxEntries = uint64(price), uint64(prizeQty), uint64(perWin), uint64(maxEntries)
	r.CostDecimals, r.PrizeDecimals = uint8(costDec), uint8(prizeDec)
	r.State = domain.RaffleState(state)
	r.TicketsSold, r.UniqueEntries, r.SeedHeight, r.PrizesSent = uint64(sold), uint64(unique), uint64(seedHeight), uint64(sent)
	r.CostEscrow = domain.EscrowBalance{Amount: uint64(costEsc), Decimals: r.CostDecimals}
	r.PrizeEscrow = domain.EscrowBalance{Amount: uint64(prizeEsc), Decimals: r.PrizeDecimals}
	if len(winners) > 0 {
		if err := json.Unmarshal(winners, &r.Winners); err != nil {
			return domain.Raffle{}, fmt.Errorf("unmarshal winners: %w", err)
		}
	}
	return r, nil
}

func listEntries(ctx context.Context, q querier, addr common.Address) ([]domain.TicketEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT buyer, quantity, ticket_offset FROM ticket_entries
		WHERE raffle = $1 ORDER BY idx`, addr.Bytes())
	if err != nil {
		return nil, fmt.Errorf("postgres: list entries %s: %w", addr.Hex(), err)
	}
	defer rows.Close()

	var out []domain.TicketEntry
	for rows.Next() {
		var (
			buyer       []byte
			qty, offset int64
		)
		if err := rows.Scan(&buyer, &qty, &offset); err != nil {
			return nil, fmt.Errorf("postgres: scan entry: %w", err)
		}
		out = append(out, domain.TicketEntry{Buyer: common.BytesToAddress(buyer), Quantity: uint64(qty), Offset: uint64(offset)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list entries rows: %w", err)
	}
	return out, nil
}

func balance(ctx context.Context, q querier, token, owner common.Address) (uint64, error) {
	var v int64
	err := q.QueryRow(ctx, `SELECT amount FROM token_balances WHERE token = $1 AND owner = $2`,
		token.Bytes(), owner.Bytes()).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: balance %s: %w", owner.Hex(), err)
	}
	return uint64(v), nil
}
