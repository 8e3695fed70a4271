package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name string
	err  error
	got  []Message
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.got = append(r.got, msg)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersByEvent(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"winner_selected", " raffle_closed "}, testLogger())

	require.NoError(t, n.Notify(context.Background(), Message{Event: "ticket_purchased"}))
	require.NoError(t, n.Notify(context.Background(), Message{Event: "raffle_closed"}))
	require.Len(t, s.got, 1)
	assert.Equal(t, "raffle_closed", s.got[0].Event)
}

func TestNotifierCollectsSenderErrors(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("down")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.Notify(context.Background(), Message{Event: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Len(t, good.got, 1)

	var nilNotifier *Notifier
	assert.NoError(t, nilNotifier.Notify(context.Background(), Message{}))
}

func TestTelegramSender(t *testing.T) {
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.apiBase = srv.URL
	err := s.Send(context.Background(), Message{
		Title:  "Winner drawn",
		Body:   "raffle 0xabc",
		Fields: []Field{{Name: "winner", Value: "0x01"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", payload["chat_id"])
	assert.Equal(t, "*Winner drawn*\nraffle 0xabc\nwinner: 0x01", payload["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	var payload struct {
		Embeds []discordEmbed `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), Message{Event: "prize_disbursed", Title: "Paid"}))
	require.Len(t, payload.Embeds, 1)
	assert.Equal(t, 0x2ECC71, payload.Embeds[0].Color)

	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer fail.Close()
	require.Error(t, NewDiscordSender(fail.URL).Send(context.Background(), Message{Title: "x"}))
}
