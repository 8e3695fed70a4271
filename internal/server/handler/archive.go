package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/raffler/internal/blob/s3"
)

// ArchiveReader reads closed raffles back from cold storage.
type ArchiveReader interface {
	Load(ctx context.Context, addr common.Address) (s3blob.Archived, error)
	ListArchived(ctx context.Context) ([]common.Address, error)
}

// ArchiveHandler serves archived raffle snapshots.
type ArchiveHandler struct {
	archive ArchiveReader
	logger  *slog.Logger
}

func NewArchiveHandler(archive ArchiveReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{archive: archive, logger: logHandler(logger, "archive")}
}

// List returns the addresses of archived raffles.
// GET /api/archive
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	addrs, err := h.archive.ListArchived(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "list archive", err)
		return
	}
	if addrs == nil {
		addrs = []common.Address{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"raffles": addrs})
}

// Get returns the archived header and entries of one raffle.
// GET /api/archive/{address}
func (h *ArchiveHandler) Get(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r, "address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid raffle address")
		return
	}
	a, err := h.archive.Load(r.Context(), addr)
	if err != nil {
		writeDomainError(w, r, h.logger, "load archive", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
