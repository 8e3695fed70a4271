package handler

import (
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/raffler/internal/crypto"
)

// DeriveHandler computes raffle and book addresses without touching state.
type DeriveHandler struct {
	factory crypto.AccountFactory
	logger  *slog.Logger
}

func NewDeriveHandler(factory crypto.AccountFactory, logger *slog.Logger) *DeriveHandler {
	return &DeriveHandler{factory: factory, logger: logHandler(logger, "derive")}
}

type deriveResponse struct {
	ProgramID common.Address `json:"program_id"`
	Raffle    common.Address `json:"raffle"`
	Book      common.Address `json:"book"`
}

// Derive returns the addresses for a (creator, cost_token, prize_token) triple.
// GET /api/derive?creator=0x...&cost_token=0x...&prize_token=0x...
func (h *DeriveHandler) Derive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var parts [3]common.Address
	for i, key := range []string{"creator", "cost_token", "prize_token"} {
		a, ok := parseAddress(q.Get(key))
		if !ok {
			writeError(w, http.StatusBadRequest, key+" must be an address")
			return
		}
		parts[i] = a
	}
	raffleAddr := h.factory.DeriveRaffle(parts[0], parts[1], parts[2])
	book, err := h.factory.DeriveBook(raffleAddr)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: derive book failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "derive failed")
		return
	}
	writeJSON(w, http.StatusOK, deriveResponse{ProgramID: h.factory.ProgramID, Raffle: raffleAddr, Book: book})
}
