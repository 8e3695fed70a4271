package raffle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alanyoungcy/raffler/internal/domain"
	"github.com/alanyoungcy/raffler/internal/notify"
)

// Event kinds published after a committed operation.
const (
	EventCreated   = "raffle_created"
	EventPurchased = "ticket_purchased"
	EventDrawn     = "winner_selected"
	EventDisbursed = "prize_disbursed"
	EventClosed    = "raffle_closed"
)

// Bus channel and stream names.
const (
	EventsChannel = "raffle:events"
	EventsStream  = "raffle:log"
)

// Event is the JSON payload published on the bus.
type Event struct {
	Event  string             `json:"event"`
	Raffle string             `json:"raffle"`
	State  domain.RaffleState `json:"state"`
	Data   map[string]any     `json:"data,omitempty"`
	At     time.Time          `json:"at"`
}

// Publisher fans committed changes out to the optional side channels. Every
// field may be nil. Failures are logged and never reach the caller.
type Publisher struct {
	Bus      domain.SignalBus
	Audit    domain.AuditStore
	Archiver domain.Archiver
	Cache    domain.RaffleCache
	Notifier *notify.Notifier
	logger   *slog.Logger
}

// NewPublisher wires the side channels used by the engine.
func NewPublisher(bus domain.SignalBus, audit domain.AuditStore, archiver domain.Archiver,
	cache domain.RaffleCache, notifier *notify.Notifier, logger *slog.Logger) *Publisher {
	return &Publisher{
		Bus:      bus,
		Audit:    audit,
		Archiver: archiver,
		Cache:    cache,
		Notifier: notifier,
		logger:   logger.With(slog.String("component", "raffle_events")),
	}
}

func (p *Publisher) emit(ctx context.Context, kind string, r domain.Raffle, data map[string]any) {
	if p == nil {
		return
	}
	ev := Event{Event: kind, Raffle: r.Address.Hex(), State: r.State, Data: data, At: time.Now().UTC()}

	if p.Cache != nil {
		var err error
		if r.State.Terminal() {
			err = p.Cache.Invalidate(ctx, r.Address)
		} else {
			err = p.Cache.Set(ctx, r)
		}
		if err != nil {
			p.warn(ctx, "cache update failed", kind, err)
		}
	}

	if p.Bus != nil {
		payload, err := json.Marshal(ev)
		if err == nil {
			if err := p.Bus.Publish(ctx, EventsChannel, payload); err != nil {
				p.warn(ctx, "publish failed", kind, err)
			}
			if err := p.Bus.StreamAppend(ctx, EventsStream, payload); err != nil {
				p.warn(ctx, "stream append failed", kind, err)
			}
		}
	}

	if p.Audit != nil {
		detail := map[string]any{"raffle": ev.Raffle, "state": string(r.State)}
		for k, v := range data {
			detail[k] = v
		}
		if err := p.Audit.Log(ctx, kind, detail); err != nil {
			p.warn(ctx, "audit log failed", kind, err)
		}
	}

	if p.Notifier.Enabled() {
		if msg, ok := notification(kind, r, data); ok {
			if err := p.Notifier.Notify(ctx, msg); err != nil {
				p.warn(ctx, "notify failed", kind, err)
			}
		}
	}
}

// archive stores the final snapshot of a closed raffle.
func (p *Publisher) archive(ctx context.Context, r domain.Raffle, entries []domain.TicketEntry) {
	if p == nil || p.Archiver == nil {
		return
	}
	prefix, err := p.Archiver.ArchiveRaffle(ctx, r, entries)
	if err != nil {
		p.warn(ctx, "archive failed", EventClosed, err)
		return
	}
	p.logger.InfoContext(ctx, "raffle archived",
		slog.String("raffle", r.Address.Hex()),
		slog.String("prefix", prefix),
	)
}

func (p *Publisher) warn(ctx context.Context, msg, kind string, err error) {
	p.logger.WarnContext(ctx, msg, slog.String("event", kind), slog.String("error", err.Error()))
}

func notification(kind string, r domain.Raffle, data map[string]any) (notify.Message, bool) {
	fields := []notify.Field{{Name: "raffle", Value: r.Address.Hex()}}
	switch kind {
	case EventDrawn:
		for i, w := range r.Winners {
			fields = append(fields, notify.Field{
				Name:  "winner " + strconv.Itoa(i+1),
				Value: fmt.Sprintf("%s (ticket %d)", w.Buyer.Hex(), w.Ticket),
			})
		}
		return notify.Message{Event: kind, Title: "Raffle winner selected", Fields: fields}, true
	case EventDisbursed:
		fields = append(fields, notify.Field{Name: "total", Value: fmt.Sprint(data["total"])})
		return notify.Message{Event: kind, Title: "Raffle prize disbursed", Fields: fields}, true
	case EventClosed:
		fields = append(fields, notify.Field{Name: "state", Value: string(r.State)})
		return notify.Message{Event: kind, Title: "Raffle closed", Body: r.Description, Fields: fields}, true
	}
	return notify.Message{}, false
}
