package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// WalletService reads and credits token balances held outside escrow.
type WalletService interface {
	Balance(ctx context.Context, token, owner common.Address) (uint64, error)
	Fund(ctx context.Context, token, owner common.Address, amount uint64) (uint64, error)
}

// WalletHandler serves wallet balance endpoints.
type WalletHandler struct {
	wallets WalletService
	logger  *slog.Logger
}

func NewWalletHandler(wallets WalletService, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{wallets: wallets, logger: logHandler(logger, "wallet")}
}

type balanceResponse struct {
	Owner   common.Address `json:"owner"`
	Token   common.Address `json:"token"`
	Balance uint64         `json:"balance"`
}

// Balance returns the balance of owner in token.
// GET /api/wallets/{owner}?token=0x...
func (h *WalletHandler) Balance(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathAddress(r, "owner")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid owner address")
		return
	}
	token, ok := parseAddress(r.URL.Query().Get("token"))
	if !ok {
		writeError(w, http.StatusBadRequest, "token query parameter must be an address")
		return
	}
	bal, err := h.wallets.Balance(r.Context(), token, owner)
	if err != nil {
		writeDomainError(w, r, h.logger, "read balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Owner: owner, Token: token, Balance: bal})
}

// Fund credits a wallet from the development faucet.
// POST /api/wallets/{owner}/fund
func (h *WalletHandler) Fund(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathAddress(r, "owner")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid owner address")
		return
	}
	var req FundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, ok := parseAddress(req.Token)
	if !ok {
		writeError(w, http.StatusBadRequest, "token must be an address")
		return
	}
	bal, err := h.wallets.Fund(r.Context(), token, owner, req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, "fund wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Owner: owner, Token: token, Balance: bal})
}
