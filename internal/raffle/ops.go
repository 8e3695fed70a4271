package raffle

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/raffler/internal/crypto"
	"github.com/alanyoungcy/raffler/internal/domain"
)

// Names of the signed operations.
const (
	OpCreate = "create"
	OpBuy    = "buy"
	OpClose  = "close"
)

// CreateOperation returns the unsigned operation authorising cfg at addr.
// Nonce and expiry are left to the caller.
func CreateOperation(addr common.Address, cfg domain.RaffleConfig) crypto.Operation {
	return crypto.Operation{
		Op:     OpCreate,
		Raffle: addr,
		Fields: map[string]string{
			"creator":        lowerHex(cfg.Creator),
			"cost_token":     lowerHex(cfg.CostToken),
			"prize_token":    lowerHex(cfg.PrizeToken),
			"price":          u64(cfg.Price),
			"prize_quantity": u64(cfg.PrizeQuantity),
			"per_win":        u64(cfg.PerWin),
			"max_entries":    u64(cfg.MaxEntries),
			"win_multiple":   strconv.FormatBool(cfg.WinMultiple),
			"burn":           strconv.FormatBool(cfg.Burn),
			"fixed":          strconv.FormatBool(cfg.Fixed),
			"cost_decimals":  u64(uint64(cfg.CostDecimals)),
			"prize_decimals": u64(uint64(cfg.PrizeDecimals)),
			"start":          strconv.FormatInt(cfg.Start.Unix(), 10),
			"end":            strconv.FormatInt(cfg.End.Unix(), 10),
			"description":    cfg.Description,
			"nft_uri":        cfg.NFTURI,
			"nft_image":      cfg.NFTImage,
		},
	}
}

// BuyOperation authorises a purchase of quantity tickets.
func BuyOperation(addr common.Address, quantity uint64) crypto.Operation {
	return crypto.Operation{
		Op:     OpBuy,
		Raffle: addr,
		Fields: map[string]string{"quantity": u64(quantity)},
	}
}

// CloseOperation authorises closing a raffle, forcibly or not.
func CloseOperation(addr common.Address, force bool) crypto.Operation {
	return crypto.Operation{
		Op:     OpClose,
		Raffle: addr,
		Fields: map[string]string{"force": strconv.FormatBool(force)},
	}
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func lowerHex(a common.Address) string { return strings.ToLower(a.Hex()) }
