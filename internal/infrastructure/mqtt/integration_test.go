//go:build integration

package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// Integration tests against a live broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func connectIntegration(t *testing.T, clientID string) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.Broker.ClientID = clientID

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // test cleanup
	return client
}

func TestIntegration_ConnectAndClose(t *testing.T) {
	client := connectIntegration(t, "lockgate-int-connect")
	if !client.IsConnected() {
		t.Fatal("IsConnected() = false, want true")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999

	_, err := Connect(context.Background(), cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIntegration_SubscriptionTracking(t *testing.T) {
	client := connectIntegration(t, "lockgate-int-sub-track")

	topics := []string{
		Topics{}.LockCommand("int-1"),
		Topics{}.LockCommand("int-2"),
		Topics{}.AllLockEvents(),
	}
	handler := func(string, []byte) error { return nil }

	for _, topic := range topics {
		if err := client.Subscribe(topic, 1, handler); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}
	if client.SubscriptionCount() != len(topics) {
		t.Errorf("SubscriptionCount() = %d, want %d", client.SubscriptionCount(), len(topics))
	}

	if err := client.Unsubscribe(topics[0]); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription(topics[0]) {
		t.Errorf("HasSubscription(%s) = true after unsubscribe", topics[0])
	}
}

func TestIntegration_CommandWildcardRoundtrip(t *testing.T) {
	pub := connectIntegration(t, "lockgate-int-pub")
	sub := connectIntegration(t, "lockgate-int-sub")

	received := make(chan string, 1)
	var once sync.Once
	err := sub.Subscribe(Topics{}.AllLockCommands(), 1, func(topic string, _ []byte) error {
		once.Do(func() { received <- topic })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	want := Topics{}.LockCommand("int-roundtrip")
	if err := pub.PublishString(want, `{"command":"info"}`, 1, false); err != nil {
		t.Fatalf("PublishString() error = %v", err)
	}

	select {
	case got := <-received:
		if got != want {
			t.Errorf("topic = %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for message")
	}
}
