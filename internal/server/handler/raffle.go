package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/raffler/internal/crypto"
	"github.com/alanyoungcy/raffler/internal/domain"
	"github.com/alanyoungcy/raffler/internal/raffle"
)

// RaffleService is the part of the raffle engine the HTTP API drives.
type RaffleService interface {
	Create(ctx context.Context, cfg domain.RaffleConfig) (domain.Raffle, error)
	BuyTicket(ctx context.Context, addr, buyer common.Address, quantity uint64) (domain.TicketEntry, error)
	SelectWinner(ctx context.Context, addr common.Address) ([]domain.Winner, error)
	Disburse(ctx context.Context, addr common.Address) (domain.Disbursement, error)
	Close(ctx context.Context, addr, caller common.Address, force bool) (domain.Settlement, error)

	Get(ctx context.Context, addr common.Address) (domain.Raffle, error)
	Entries(ctx context.Context, addr common.Address) ([]domain.TicketEntry, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Raffle, error)
	Book(ctx context.Context, addr common.Address) ([]byte, error)
	Verify(ctx context.Context, addr common.Address) (raffle.Verification, error)
	Factory() crypto.AccountFactory
	Now() time.Time
}

// RaffleHandler serves the raffle lifecycle endpoints.
type RaffleHandler struct {
	raffles  RaffleService
	verifier *Verifier
	logger   *slog.Logger
}

// NewRaffleHandler creates a RaffleHandler.
func NewRaffleHandler(raffles RaffleService, verifier *Verifier, logger *slog.Logger) *RaffleHandler {
	return &RaffleHandler{
		raffles:  raffles,
		verifier: verifier,
		logger:   logHandler(logger, "raffle"),
	}
}

// Create opens a new raffle for the signing creator.
// POST /api/raffles
func (h *RaffleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	creator, ok := parseAddress(req.Signer)
	if !ok {
		writeError(w, http.StatusUnauthorized, "signer is not an address")
		return
	}
	cfg, err := req.Config(creator)
	if err != nil {
		writeDomainError(w, r, h.logger, "create raffle", err)
		return
	}
	addr := h.raffles.Factory().DeriveRaffle(cfg.Creator, cfg.CostToken, cfg.PrizeToken)
	if _, err := h.verifier.Verify(req.Envelope, raffle.CreateOperation(addr, cfg)); err != nil {
		writeDomainError(w, r, h.logger, "create raffle", err)
		return
	}

	created, err := h.raffles.Create(r.Context(), cfg)
	if err != nil {
		writeDomainError(w, r, h.logger, "create raffle", err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(created, h.raffles.Now()))
}

// List returns raffles filtered by state and creation time.
// GET /api/raffles?state=open&limit=50&offset=0
func (h *RaffleHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rs, err := h.raffles.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "list raffles", err)
		return
	}
	now := h.raffles.Now()
	views := make([]RaffleView, 0, len(rs))
	for _, rf := range rs {
		views = append(views, viewOf(rf, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"raffles": views})
}

// Get returns one raffle header.
// GET /api/raffles/{address}
func (h *RaffleHandler) Get(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.address(w, r)
	if !ok {
		return
	}
	rf, err := h.raffles.Get(r.Context(), addr)
	if err != nil {
		writeDomainError(w, r, h.logger, "get raffle", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rf, h.raffles.Now()))
}

// Entries returns the ticket book entries in purchase order.
// GET /api/raffles/{address}/entries
func (h *RaffleHandler) Entries(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.address(w, r)
	if !ok {
		return
	}
	es, err := h.raffles.Entries(r.Context(), addr)
	if err != nil {
		writeDomainError(w, r, h.logger, "list entries", err)
		return
	}
	if es == nil {
		es = []domain.TicketEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": es})
}

// Book returns the ticket book in its fixed binary layout.
// GET /api/raffles/{address}/book
func (h *RaffleHandler) Book(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.address(w, r)
	if !ok {
		return
	}
	blob, err := h.raffles.Book(r.Context(), addr)
	if err != nil {
		writeDomainError(w, r, h.logger, "read book", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(blob)
}

// Verify replays the draw from the recorded seed.
// GET /api/raffles/{address}/verify
func (h *RaffleHandler) Verify(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.address(w, r)
	if !ok {
		return
	}
	v, err := h.raffles.Verify(r.Context(), addr)
	if err != nil {
		writeDomainError(w, r, h.logger, "verify draw", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// BuyTickets purchases tickets for the signing buyer.
// POST /api/raffles/{address}/tickets
func (h *RaffleHandler) BuyTickets(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.address(w, r)
	if !ok {
		return
	}
	var req BuyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	buyer, err := h.verifier.Verify(req.Envelope, raffle.BuyOperation(addr, req.Quantity))
	if err != nil {
		writeDomainError(w, r, h.logger, "buy tickets", err)
		return
	}
	entry, err := h.raffles.BuyTicket(r.Context(), addr, buyer, req.Quantity)
	if err != nil {
		writeDomainError(w, r, h.logger, "buy tickets", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// Draw selects the winners. Anyone may trigger it once the raffle is due.
// POST /api/raffles/{address}/draw
func (h *RaffleHandler) Draw(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.address(w, r)
	if !ok {
		return
	}
	winners, err := h.raffles.SelectWinner(r.Context(), addr)
	if err != nil {
		writeDomainError(w, r, h.logger, "select winner", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"winners": winners})
}

// Disburse pays the prizes of a drawn raffle.
// POST /api/raffles/{address}/disburse
func (h *RaffleHandler) Disburse(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.address(w, r)
	if !ok {
		return
	}
	d, err := h.raffles.Disburse(r.Context(), addr)
	if err != nil {
		writeDomainError(w, r, h.logger, "disburse", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Close settles escrow. The signer must be the creator or the authority.
// POST /api/raffles/{address}/close
func (h *RaffleHandler) Close(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.address(w, r)
	if !ok {
		return
	}
	var req CloseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := h.verifier.Verify(req.Envelope, raffle.CloseOperation(addr, req.Force))
	if err != nil {
		writeDomainError(w, r, h.logger, "close raffle", err)
		return
	}
	s, err := h.raffles.Close(r.Context(), addr, caller, req.Force)
	if err != nil {
		writeDomainError(w, r, h.logger, "close raffle", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *RaffleHandler) address(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, ok := pathAddress(r, "address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid raffle address")
	}
	return addr, ok
}
