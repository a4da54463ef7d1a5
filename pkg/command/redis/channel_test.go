package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"findash/pkg/command"
)

func testChannelConfig(t *testing.T) ChannelConfig {
	config := DefaultChannelConfig()
	// Unique prefix per test so leftovers of earlier runs are never read.
	config.KeyPrefix = fmt.Sprintf("test:cmd:%s:%d", t.Name(), time.Now().UnixNano())
	config.Partitions = 2
	config.Block = 50 * time.Millisecond
	config.MaxRedeliveries = 1
	config.RedeliveryDelay = time.Millisecond
	config.DialTimeout = time.Second
	return config
}

func setupTestChannel(t *testing.T, config ChannelConfig) *Channel {
	ch, err := NewChannel(config, nil)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.Ping(ctx); err != nil {
		ch.Close()
		t.Skipf("Redis not available: %v", err)
	}
	return ch
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewChannel_NoAddress(t *testing.T) {
	_, err := NewChannel(ChannelConfig{}, nil)
	if err == nil {
		t.Fatal("Expected error without addresses")
	}
}

func TestChannel_PublishConsume(t *testing.T) {
	ch := setupTestChannel(t, testChannelConfig(t))
	defer ch.Close()

	var mu sync.Mutex
	got := make(map[string][]string)
	err := ch.Subscribe("accounts", "account-service", func(ctx context.Context, msg command.Message) error {
		mu.Lock()
		defer mu.Unlock()
		got[msg.Key] = append(got[msg.Key], string(msg.Value))
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		for _, key := range []string{"1", "2"} {
			msg := command.Message{Key: key, Value: []byte(fmt.Sprintf("v%d", i))}
			if err := ch.Publish(ctx, "accounts", msg); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
		}
	}

	waitFor(t, 5*time.Second, func() bool { return atomic.LoadInt64(&ch.delivered) == 10 })

	mu.Lock()
	defer mu.Unlock()
	for key, values := range got {
		for i, v := range values {
			if v != fmt.Sprintf("v%d", i) {
				t.Fatalf("Key %s: out of order at %d: %v", key, i, values)
			}
		}
	}
}

func TestChannel_DeadLetter(t *testing.T) {
	ch := setupTestChannel(t, testChannelConfig(t))
	defer ch.Close()

	var calls int32
	ch.Subscribe("expenses", "expense-service", func(ctx context.Context, msg command.Message) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("cannot apply")
	})
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := ch.Publish(context.Background(), "expenses", command.Message{Key: "1", Value: []byte("x")}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return ch.Stats().DeadLettered == 1 })

	// One delivery plus MaxRedeliveries.
	if c := atomic.LoadInt32(&calls); c != 2 {
		t.Errorf("Expected 2 handler calls, got %d", c)
	}

	ctx := context.Background()
	dlq := ch.keys.DeadLetter("expenses")
	n, err := ch.client.Do(ctx, ch.client.B().Xlen().Key(dlq).Build()).AsInt64()
	if err != nil || n != 1 {
		t.Errorf("Expected 1 dead-letter entry, got %d (%v)", n, err)
	}
}

func TestChannel_PendingReadOnRestart(t *testing.T) {
	config := testChannelConfig(t)
	config.Consumer = "restart-consumer"
	config.Partitions = 1

	// First consumer takes the entry and gives up without acknowledging it.
	first := setupTestChannel(t, config)
	taken := make(chan struct{})
	var once sync.Once
	first.Subscribe("accounts", "account-service", func(ctx context.Context, msg command.Message) error {
		once.Do(func() { close(taken) })
		<-ctx.Done()
		return ctx.Err()
	})
	first.config.HandlerTimeout = 5 * time.Second
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := first.Publish(context.Background(), "accounts", command.Message{Key: "7", Value: []byte("create")}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-taken:
	case <-time.After(5 * time.Second):
		t.Fatal("First consumer never received the entry")
	}

	// The handler is still blocked, so Close waits on it in the background.
	go first.Close()

	second := setupTestChannel(t, config)
	defer second.Close()

	received := make(chan command.Message, 1)
	second.Subscribe("accounts", "account-service", func(ctx context.Context, msg command.Message) error {
		received <- msg
		return nil
	})
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Key != "7" || string(msg.Value) != "create" {
			t.Errorf("Unexpected redelivered message %+v", msg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Pending entry was not redelivered on restart")
	}
}

func TestChannel_ClaimsEntriesOfAnotherConsumer(t *testing.T) {
	config := testChannelConfig(t)
	config.Partitions = 1

	// The first process takes the entry and dies without acknowledging it.
	firstConfig := config
	firstConfig.Consumer = "host-a"
	first := setupTestChannel(t, firstConfig)
	taken := make(chan struct{})
	var once sync.Once
	first.Subscribe("accounts", "account-service", func(ctx context.Context, msg command.Message) error {
		once.Do(func() { close(taken) })
		<-ctx.Done()
		return ctx.Err()
	})
	first.config.HandlerTimeout = 5 * time.Second
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := first.Publish(context.Background(), "accounts", command.Message{Key: "7", Value: []byte("create")}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-taken:
	case <-time.After(5 * time.Second):
		t.Fatal("First consumer never received the entry")
	}
	go first.Close()

	// Its replacement runs under another name.
	secondConfig := config
	secondConfig.Consumer = "host-b"
	secondConfig.ClaimMinIdle = 50 * time.Millisecond
	secondConfig.ClaimInterval = 100 * time.Millisecond
	second := setupTestChannel(t, secondConfig)
	defer second.Close()

	received := make(chan command.Message, 1)
	second.Subscribe("accounts", "account-service", func(ctx context.Context, msg command.Message) error {
		select {
		case received <- msg:
		default:
		}
		return nil
	})
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Key != "7" || string(msg.Value) != "create" {
			t.Errorf("Unexpected claimed message %+v", msg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Entry left by the first consumer was never claimed")
	}
}

func TestDefaultConsumerNameIsStable(t *testing.T) {
	if a, b := defaultConsumerName(), defaultConsumerName(); a == "" || a != b {
		t.Errorf("Expected a stable non-empty consumer name, got %q and %q", a, b)
	}
	if host, err := os.Hostname(); err == nil && host != "" && defaultConsumerName() != host {
		t.Errorf("Expected consumer name %q, got %q", host, defaultConsumerName())
	}
}

func TestChannel_Lifecycle(t *testing.T) {
	ch := setupTestChannel(t, testChannelConfig(t))
	noop := func(ctx context.Context, msg command.Message) error { return nil }

	if err := ch.Subscribe("bad topic", "g", noop); !errors.Is(err, command.ErrInvalidName) {
		t.Errorf("Expected ErrInvalidName, got %v", err)
	}
	ch.Subscribe("accounts", "g", noop)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := ch.Start(context.Background()); !errors.Is(err, command.ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
	if err := ch.Subscribe("expenses", "g", noop); !errors.Is(err, command.ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}

	ch.Close()
	ch.Close()

	if err := ch.Publish(context.Background(), "accounts", command.Message{Key: "1"}); !errors.Is(err, command.ErrChannelClosed) {
		t.Errorf("Expected ErrChannelClosed, got %v", err)
	}
}
