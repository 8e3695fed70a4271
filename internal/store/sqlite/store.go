// Package sqlite implements the raffle and audit stores on an embedded SQLite
// database through gorm. The ticket book of each raffle lives in the raffle
// row as its fixed-size binary layout and is appended to in place.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/alanyoungcy/raffler/internal/domain"
	"github.com/alanyoungcy/raffler/internal/ticketbook"
)

// Open opens (creating if needed) the database at path and migrates the
// schema. SQLite allows one writer, so the pool holds a single connection
// and transactions serialise on it.
func Open(path string) (*gorm.DB, error) {
	dsn := path + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite: pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&raffleRow{}, &balanceRow{}, &burnRow{}, &auditRow{}); err != nil {
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return db, nil
}

// Close releases the underlying connection.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RaffleStore implements domain.RaffleStore.
type RaffleStore struct {
	db *gorm.DB
}

var _ domain.RaffleStore = (*RaffleStore)(nil)

func NewRaffleStore(db *gorm.DB) *RaffleStore {
	return &RaffleStore{db: db}
}

func (s *RaffleStore) WithinTx(ctx context.Context, fn func(tx domain.RaffleTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&raffleTx{db: tx})
	})
}

func (s *RaffleStore) Get(ctx context.Context, addr common.Address) (domain.Raffle, error) {
	row, err := loadRow(s.db.WithContext(ctx), addr)
	if err != nil {
		return domain.Raffle{}, err
	}
	return row.toDomain()
}

func (s *RaffleStore) Entries(ctx context.Context, addr common.Address) ([]domain.TicketEntry, error) {
	row, err := loadRow(s.db.WithContext(ctx), addr)
	if err != nil {
		return nil, err
	}
	return row.entries()
}

// List returns raffles newest first.
func (s *RaffleStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Raffle, error) {
	q := s.db.WithContext(ctx).Model(&raffleRow{})
	now := time.Now().UTC()
	switch opts.State {
	case "":
	case domain.RaffleExpired:
		q = q.Where("state = ? AND end_at <= ?", string(domain.RaffleOpen), now)
	case domain.RaffleOpen:
		q = q.Where("state = ? AND end_at > ?", string(domain.RaffleOpen), now)
	default:
		q = q.Where("state = ?", string(opts.State))
	}
	if opts.Since != nil {
		q = q.Where("created_at >= ?", opts.Since.UTC())
	}
	if opts.Until != nil {
		q = q.Where("created_at < ?", opts.Until.UTC())
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	var rows []raffleRow
	if err := q.Order("created_at DESC, address").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list raffles: %w", err)
	}
	return toDomainAll(rows)
}

// ListDue returns raffles that can be drawn or paid at now.
func (s *RaffleStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Raffle, error) {
	q := s.db.WithContext(ctx).
		Where("state IN ? OR (state = ? AND end_at <= ? AND tickets_sold > 0)",
			[]string{string(domain.RaffleSoldOut), string(domain.RaffleWinnerSelected)},
			string(domain.RaffleOpen), now.UTC()).
		Order("end_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []raffleRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list due raffles: %w", err)
	}
	return toDomainAll(rows)
}

func (s *RaffleStore) Balance(ctx context.Context, token, owner common.Address) (uint64, error) {
	return balance(s.db.WithContext(ctx), token, owner)
}

// raffleTx implements domain.RaffleTx over one gorm transaction.
type raffleTx struct {
	db *gorm.DB
}

func (t *raffleTx) GetRaffle(_ context.Context, addr common.Address) (domain.Raffle, error) {
	row, err := loadRow(t.db, addr)
	if err != nil {
		return domain.Raffle{}, err
	}
	return row.toDomain()
}

func (t *raffleTx) ListEntries(_ context.Context, addr common.Address) ([]domain.TicketEntry, error) {
	row, err := loadRow(t.db, addr)
	if err != nil {
		return nil, err
	}
	return row.entries()
}

// InsertRaffle stores r with an empty book sized for r.MaxEntries.
func (t *raffleTx) InsertRaffle(_ context.Context, r domain.Raffle) error {
	book, err := ticketbook.New(r.Address, r.MaxEntries)
	if err != nil {
		return fmt.Errorf("sqlite: insert raffle %s: %w", r.Address.Hex(), err)
	}
	blob, err := book.MarshalBinary()
	if err != nil {
		return fmt.Errorf("sqlite: insert raffle %s: %w", r.Address.Hex(), err)
	}
	row, err := fromDomain(r)
	if err != nil {
		return err
	}
	row.Book = blob

	res := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("sqlite: insert raffle %s: %w", r.Address.Hex(), res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sqlite: raffle %s: %w", r.Address.Hex(), domain.ErrAlreadyExists)
	}
	return nil
}

func (t *raffleTx) UpdateRaffle(_ context.Context, r domain.Raffle) error {
	winners, err := marshalWinners(r.Winners)
	if err != nil {
		return err
	}
	res := t.db.Model(&raffleRow{}).
		Where("address = ? AND version = ?", r.Address.Hex(), r.Version-1).
		Updates(map[string]any{
			"state":          string(r.State),
			"tickets_sold":   int64(r.TicketsSold),
			"unique_entries": int64(r.UniqueEntries),
			"winners":        winners,
			"seed":           r.Seed,
			"seed_source":    r.SeedSource,
			"seed_height":    int64(r.SeedHeight),
			"drawn":          r.Drawn,
			"closed":         r.Closed,
			"prizes_sent":    int64(r.PrizesSent),
			"cost_escrow":    int64(r.CostEscrow.Amount),
			"prize_escrow":   int64(r.PrizeEscrow.Amount),
			"version":        r.Version,
			"updated_at":     r.UpdatedAt.UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("sqlite: update raffle %s: %w", r.Address.Hex(), res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sqlite: raffle %s at version %d: %w", r.Address.Hex(), r.Version-1, domain.ErrConflict)
	}
	return nil
}

// AppendEntry writes slot index of the stored book. index must be the
// current entry count.
func (t *raffleTx) AppendEntry(_ context.Context, addr common.Address, index int, e domain.TicketEntry) error {
	row, err := loadRow(t.db, addr)
	if err != nil {
		return err
	}
	entries, err := row.entries()
	if err != nil {
		return err
	}
	if index != len(entries) {
		return fmt.Errorf("sqlite: entry %d of %s (have %d): %w", index, addr.Hex(), len(entries), domain.ErrConflict)
	}
	if err := ticketbook.PutSlot(row.Book, index, e.Buyer, e.Quantity, e.Offset); err != nil {
		return fmt.Errorf("sqlite: append entry %s: %w", addr.Hex(), err)
	}
	if err := t.db.Model(&raffleRow{}).Where("address = ?", addr.Hex()).Update("book", row.Book).Error; err != nil {
		return fmt.Errorf("sqlite: append entry %s: %w", addr.Hex(), err)
	}
	return nil
}

func (t *raffleTx) DeleteRaffle(_ context.Context, addr common.Address) error {
	res := t.db.Where("address = ?", addr.Hex()).Delete(&raffleRow{})
	if res.Error != nil {
		return fmt.Errorf("sqlite: delete raffle %s: %w", addr.Hex(), res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sqlite: raffle %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	return nil
}

func (t *raffleTx) Balance(_ context.Context, token, owner common.Address) (uint64, error) {
	return balance(t.db, token, owner)
}

func (t *raffleTx) Debit(_ context.Context, token, owner common.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	res := t.db.Model(&balanceRow{}).
		Where("token = ? AND owner = ? AND amount >= ?", token.Hex(), owner.Hex(), int64(amount)).
		Update("amount", gorm.Expr("amount - ?", int64(amount)))
	if res.Error != nil {
		return fmt.Errorf("sqlite: debit %s: %w", owner.Hex(), res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sqlite: debit %d from %s: %w", amount, owner.Hex(), domain.ErrInsufficientFunds)
	}
	return nil
}

func (t *raffleTx) Credit(_ context.Context, token, owner common.Address, amount uint64) error {
	row := balanceRow{Token: token.Hex(), Owner: owner.Hex(), Amount: int64(amount)}
	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}, {Name: "owner"}},
		DoUpdates: clause.Assignments(map[string]any{"amount": gorm.Expr("token_balances.amount + excluded.amount")}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("sqlite: credit %s: %w", owner.Hex(), err)
	}
	return nil
}

func (t *raffleTx) Burn(_ context.Context, token common.Address, amount uint64) error {
	row := burnRow{Token: token.Hex(), Amount: int64(amount)}
	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.Assignments(map[string]any{"amount": gorm.Expr("token_burns.amount + excluded.amount")}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("sqlite: burn %s: %w", token.Hex(), err)
	}
	return nil
}

func (t *raffleTx) Burned(_ context.Context, token common.Address) (uint64, error) {
	var row burnRow
	err := t.db.Where("token = ?", token.Hex()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: burned %s: %w", token.Hex(), err)
	}
	return uint64(row.Amount), nil
}

// ---------------------------------------------------------------------------

func loadRow(db *gorm.DB, addr common.Address) (raffleRow, error) {
	var row raffleRow
	err := db.Where("address = ?", addr.Hex()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return raffleRow{}, fmt.Errorf("sqlite: raffle %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	if err != nil {
		return raffleRow{}, fmt.Errorf("sqlite: get raffle %s: %w", addr.Hex(), err)
	}
	return row, nil
}

func balance(db *gorm.DB, token, owner common.Address) (uint64, error) {
	var row balanceRow
	err := db.Where("token = ? AND owner = ?", token.Hex(), owner.Hex()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: balance %s: %w", owner.Hex(), err)
	}
	return uint64(row.Amount), nil
}

func (row raffleRow) entries() ([]domain.TicketEntry, error) {
	var book ticketbook.Book
	if err := book.UnmarshalBinary(row.Book); err != nil {
		return nil, fmt.Errorf("sqlite: book of %s: %w", row.Address, err)
	}
	return book.Entries(), nil
}

func marshalWinners(ws []domain.Winner) ([]byte, error) {
	if len(ws) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ws)
	if err != nil {
		return nil, fmt.Errorf("sqlite: marshal winners: %w", err)
	}
	return b, nil
}

func fromDomain(r domain.Raffle) (raffleRow, error) {
	winners, err := marshalWinners(r.Winners)
	if err != nil {
		return raffleRow{}, err
	}
	return raffleRow{
		Address:       r.Address.Hex(),
		BookAddress:   r.BookAddress.Hex(),
		Creator:       r.Creator.Hex(),
		CostToken:     r.CostToken.Hex(),
		PrizeToken:    r.PrizeToken.Hex(),
		Price:         int64(r.Price),
		PrizeQuantity: int64(r.PrizeQuantity),
		PerWin:        int64(r.PerWin),
		MaxEntries:    int64(r.MaxEntries),
		WinMultiple:   r.WinMultiple,
		Burn:          r.Burn,
		Fixed:         r.Fixed,
		CostDecimals:  int(r.CostDecimals),
		PrizeDecimals: int(r.PrizeDecimals),
		StartAt:       r.Start.UTC(),
		EndAt:         r.End.UTC(),
		Description:   r.Description,
		NFTURI:        r.NFTURI,
		NFTImage:      r.NFTImage,
		State:         string(r.State),
		TicketsSold:   int64(r.TicketsSold),
		UniqueEntries: int64(r.UniqueEntries),
		Winners:       winners,
		Seed:          r.Seed,
		SeedSource:    r.SeedSource,
		SeedHeight:    int64(r.SeedHeight),
		Drawn:         r.Drawn,
		Closed:        r.Closed,
		PrizesSent:    int64(r.PrizesSent),
		CostEscrow:    int64(r.CostEscrow.Amount),
		PrizeEscrow:   int64(r.PrizeEscrow.Amount),
		Version:       r.Version,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}, nil
}

func (row raffleRow) toDomain() (domain.Raffle, error) {
	r := domain.Raffle{
		RaffleConfig: domain.RaffleConfig{
			Creator:       common.HexToAddress(row.Creator),
			CostToken:     common.HexToAddress(row.CostToken),
			PrizeToken:    common.HexToAddress(row.PrizeToken),
			Price:         uint64(row.Price),
			PrizeQuantity: uint64(row.PrizeQuantity),
			PerWin:        uint64(row.PerWin),
			MaxEntries:    uint64(row.MaxEntries),
			WinMultiple:   row.WinMultiple,
			Burn:          row.Burn,
			Fixed:         row.Fixed,
			CostDecimals:  uint8(row.CostDecimals),
			PrizeDecimals: uint8(row.PrizeDecimals),
			Start:         row.StartAt.UTC(),
			End:           row.EndAt.UTC(),
			Description:   row.Description,
			NFTURI:        row.NFTURI,
			NFTImage:      row.NFTImage,
		},
		Address:       common.HexToAddress(row.Address),
		BookAddress:   common.HexToAddress(row.BookAddress),
		State:         domain.RaffleState(row.State),
		TicketsSold:   uint64(row.TicketsSold),
		UniqueEntries: uint64(row.UniqueEntries),
		Seed:          row.Seed,
		SeedSource:    row.SeedSource,
		SeedHeight:    uint64(row.SeedHeight),
		Drawn:         row.Drawn,
		Closed:        row.Closed,
		PrizesSent:    uint64(row.PrizesSent),
		CostEscrow:    domain.EscrowBalance{Amount: uint64(row.CostEscrow), Decimals: uint8(row.CostDecimals)},
		PrizeEscrow:   domain.EscrowBalance{Amount: uint64(row.PrizeEscrow), Decimals: uint8(row.PrizeDecimals)},
		Version:       row.Version,
		CreatedAt:     row.CreatedAt.UTC(),
		UpdatedAt:     row.UpdatedAt.UTC(),
	}
	if len(row.Winners) > 0 {
		if err := json.Unmarshal(row.Winners, &r.Winners); err != nil {
			return domain.Raffle{}, fmt.Errorf("sqlite: winners of %s: %w", row.Address, err)
		}
	}
	return r, nil
}

func toDomainAll(rows []raffleRow) ([]domain.Raffle, error) {
	out := make([]domain.Raffle, 0, len(rows))
	for _, row := range rows {
		r, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
