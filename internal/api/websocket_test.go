package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/lockgate/internal/auth"
	"github.com/nerrad567/lockgate/internal/bridges/omni"
)

func TestWSClientWants(t *testing.T) {
	env := testServer(t)

	tests := []struct {
		name     string
		channels []string
		devices  []string
		channel  string
		deviceID string
		want     bool
	}{
		{"not subscribed", nil, nil, ChannelLockEvents, "lock-1", false},
		{"subscribed channel", []string{ChannelLockEvents}, nil, ChannelLockEvents, "lock-1", true},
		{"other channel", []string{ChannelLockState}, nil, ChannelLockEvents, "lock-1", false},
		{"wildcard", []string{channelAll}, nil, ChannelLockState, "lock-1", true},
		{"device filter match", []string{ChannelLockEvents}, []string{"lock-1"}, ChannelLockEvents, "lock-1", true},
		{"device filter miss", []string{ChannelLockEvents}, []string{"lock-2"}, ChannelLockEvents, "lock-1", false},
		{"filter ignores device-less broadcast", []string{ChannelLockEvents}, []string{"lock-2"}, ChannelLockEvents, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newWSClient(env.srv.hub, nil)
			for _, ch := range tt.channels {
				c.subscriptions[ch] = struct{}{}
			}
			for _, id := range tt.devices {
				c.devices[id] = struct{}{}
			}
			if got := c.wants(tt.channel, tt.deviceID); got != tt.want {
				t.Errorf("wants(%q, %q) = %v, want %v", tt.channel, tt.deviceID, got, tt.want)
			}
		})
	}
}

func TestHubDeliversToSubscribers(t *testing.T) {
	env := testServer(t)
	hub := env.srv.hub

	events := newWSClient(hub, nil)
	events.subscriptions[ChannelLockEvents] = struct{}{}
	state := newWSClient(hub, nil)
	state.subscriptions[ChannelLockState] = struct{}{}
	hub.Register(events)
	hub.Register(state)

	err := hub.PublishEvent(context.Background(), omni.Event{
		DeviceID:  "lock-1",
		Type:      omni.EventUnlocked,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}
	if err := hub.UpsertState(context.Background(), "lock-1", map[string]any{"locked": false}); err != nil {
		t.Fatalf("UpsertState() error = %v", err)
	}

	var msg WSMessage
	select {
	case data := <-events.send:
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != WSTypeEvent || msg.EventType != omni.EventUnlocked {
			t.Errorf("event message = %+v", msg)
		}
	default:
		t.Fatal("events client received nothing")
	}
	if len(events.send) != 0 {
		t.Error("events client received a state message")
	}

	select {
	case data := <-state.send:
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.EventType != "state" {
			t.Errorf("state message = %+v", msg)
		}
	default:
		t.Fatal("state client received nothing")
	}

	hub.Unregister(events)
	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", hub.ClientCount())
	}
	// A second unregister must not close the channel twice.
	hub.Unregister(events)
}

func TestTicketStore(t *testing.T) {
	ts := newTicketStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ticket := ts.issue("alice", auth.RoleViewer, now)
	if len(ticket) != ticketBytes*2 {
		t.Errorf("ticket length = %d, want %d", len(ticket), ticketBytes*2)
	}

	entry, ok := ts.consume(ticket, now.Add(time.Second))
	if !ok || entry.subject != "alice" || entry.role != auth.RoleViewer {
		t.Fatalf("consume() = (%+v, %v)", entry, ok)
	}
	if _, ok := ts.consume(ticket, now.Add(time.Second)); ok {
		t.Error("ticket consumed twice")
	}

	expired := ts.issue("bob", auth.RoleViewer, now)
	if _, ok := ts.consume(expired, now.Add(ticketTTL)); ok {
		t.Error("expired ticket accepted")
	}

	ts.issue("carol", auth.RoleViewer, now)
	ts.cleanExpired(now.Add(2 * ticketTTL))
	if len(ts.tickets) != 0 {
		t.Errorf("tickets after cleanExpired = %d, want 0", len(ts.tickets))
	}
}

func TestWebSocketEndToEnd(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	w := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", token(t, "alice", auth.RoleViewer), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ws-ticket status = %d, want %d", w.Code, http.StatusOK)
	}
	var tr struct {
		Ticket string `json:"ticket"`
	}
	decode(t, w, &tr)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?ticket=" + tr.Ticket
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	err = conn.WriteJSON(WSMessage{
		Type: WSTypeSubscribe,
		ID:   "1",
		Payload: WSSubscribePayload{
			Channels:  []string{ChannelLockEvents},
			DeviceIDs: []string{"lock-1"},
		},
	})
	if err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading subscribe response: %v", err)
	}
	if msg.Type != WSTypeResponse || msg.ID != "1" {
		t.Fatalf("subscribe response = %+v", msg)
	}

	// lock-2 is filtered out; only the lock-1 event arrives.
	hub := env.srv.hub
	hub.PublishEvent(context.Background(), omni.Event{DeviceID: "lock-2", Type: omni.EventAlarm, Timestamp: time.Now()}) //nolint:errcheck // always nil
	hub.PublishEvent(context.Background(), omni.Event{DeviceID: "lock-1", Type: omni.EventLocked, Timestamp: time.Now()}) //nolint:errcheck // always nil

	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if msg.Type != WSTypeEvent || msg.EventType != omni.EventLocked {
		t.Errorf("event = %+v, want %s", msg, omni.EventLocked)
	}

	// Tickets are single use.
	_, resp, err = websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("Dial() with a spent ticket succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("spent ticket response = %v, want 401", resp)
	}
	if resp != nil {
		resp.Body.Close()
	}
}

func TestWebSocketMissingTicket(t *testing.T) {
	env := testServer(t)
	w := env.do(t, http.MethodGet, "/api/v1/ws", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
