package sqlite

import "time"

// raffleRow holds a raffle header. Addresses are stored as EIP-55 hex and the
// ticket book as its fixed-size binary layout.
type raffleRow struct {
	Address       string `gorm:"primaryKey"`
	BookAddress   string `gorm:"not null"`
	Creator       string `gorm:"not null"`
	CostToken     string `gorm:"not null"`
	PrizeToken    string `gorm:"not null"`
	Price         int64  `gorm:"not null"`
	PrizeQuantity int64  `gorm:"not null"`
	PerWin        int64  `gorm:"not null"`
	MaxEntries    int64  `gorm:"not null"`
	WinMultiple   bool
	Burn          bool
	Fixed         bool
	CostDecimals  int
	PrizeDecimals int
	StartAt       time.Time `gorm:"not null"`
	EndAt         time.Time `gorm:"not null;index:idx_raffles_state_end,priority:2"`
	Description   string
	NFTURI        string `gorm:"column:nft_uri"`
	NFTImage      string `gorm:"column:nft_image"`
	State         string `gorm:"not null;index:idx_raffles_state_end,priority:1"`
	TicketsSold   int64
	UniqueEntries int64
	Winners       []byte
	Seed          []byte
	SeedSource    string
	SeedHeight    int64
	Drawn         bool
	Closed        bool
	PrizesSent    int64
	CostEscrow    int64
	PrizeEscrow   int64
	Book          []byte    `gorm:"not null"`
	Version       int64     `gorm:"not null"`
	CreatedAt     time.Time `gorm:"index;autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (raffleRow) TableName() string { return "raffles" }

type balanceRow struct {
	Token  string `gorm:"primaryKey"`
	Owner  string `gorm:"primaryKey"`
	Amount int64  `gorm:"not null;default:0"`
}

func (balanceRow) TableName() string { return "token_balances" }

type burnRow struct {
	Token  string `gorm:"primaryKey"`
	Amount int64  `gorm:"not null;default:0"`
}

func (burnRow) TableName() string { return "token_burns" }

type auditRow struct {
	ID        int64  `gorm:"primaryKey"`
	Event     string `gorm:"not null"`
	Detail    string
	CreatedAt time.Time `gorm:"index"`
}

func (auditRow) TableName() string { return "audit_log" }
