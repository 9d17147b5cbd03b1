package events

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

func TestKeyIsStable(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	at := time.Unix(1_700_000_000, 0)
	a := New(TokensReleased, 7, 3, account, uint256.NewInt(10), at)
	b := New(TokensReleased, 7, 3, account, uint256.NewInt(10), at.Add(time.Hour))
	if a.Key != b.Key {
		t.Fatal("key must depend only on kind, id and version")
	}
	if New(TokensReleased, 7, 4, account, nil, at).Key == a.Key {
		t.Fatal("different versions must not share a key")
	}
	if New(PositionCreated, 7, 3, account, nil, at).Key == a.Key {
		t.Fatal("different kinds must not share a key")
	}
	if a.Amount != "10" || New(PositionCreated, 1, 1, account, nil, at).Amount != "0" {
		t.Fatal("unexpected amount encoding")
	}
}

type memOutbox struct {
	mu     sync.Mutex
	events []Event
}

func (o *memOutbox) PendingEvents(_ context.Context, limit int) ([]Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit > len(o.events) {
		limit = len(o.events)
	}
	out := make([]Event, limit)
	copy(out, o.events[:limit])
	return out, nil
}

func (o *memOutbox) AckEvents(_ context.Context, upTo uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.events[:0]
	for _, e := range o.events {
		if e.Seq > upTo {
			kept = append(kept, e)
		}
	}
	o.events = kept
	return nil
}

type captureSink struct {
	got  []Event
	fail error
}

func (s *captureSink) Publish(_ context.Context, events []Event) error {
	if s.fail != nil {
		return s.fail
	}
	s.got = append(s.got, events...)
	return nil
}

func seeded(n int) *memOutbox {
	o := &memOutbox{}
	for i := 1; i <= n; i++ {
		e := New(TokensReleased, uint64(i), 1, common.Address{}, uint256.NewInt(uint64(i)), time.Unix(0, 0))
		e.Seq = uint64(i)
		o.events = append(o.events, e)
	}
	return o
}

func TestRelayFlushDrainsInBatches(t *testing.T) {
	outbox := seeded(10)
	sink := &captureSink{}
	relay := &Relay{Outbox: outbox, Sink: sink, BatchSize: 3}

	n, err := relay.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 10 || len(sink.got) != 10 {
		t.Fatalf("expected 10 delivered, got %d (%d captured)", n, len(sink.got))
	}
	for i, e := range sink.got {
		if e.Seq != uint64(i+1) {
			t.Fatalf("out of order delivery at %d: seq %d", i, e.Seq)
		}
	}
	if len(outbox.events) != 0 {
		t.Fatalf("expected empty outbox, %d left", len(outbox.events))
	}
}

func TestRelayKeepsEventsWhenSinkFails(t *testing.T) {
	outbox := seeded(4)
	sink := &captureSink{fail: errors.New("redis down")}
	relay := &Relay{Outbox: outbox, Sink: sink}

	if _, err := relay.Flush(context.Background()); err == nil {
		t.Fatal("expected sink error")
	}
	if len(outbox.events) != 4 {
		t.Fatalf("events must stay pending, %d left", len(outbox.events))
	}

	sink.fail = nil
	if n, err := relay.Flush(context.Background()); err != nil || n != 4 {
		t.Fatalf("redelivery: n=%d err=%v", n, err)
	}
}

func TestFanoutStopsAtFirstFailure(t *testing.T) {
	first := &captureSink{fail: errors.New("boom")}
	second := &captureSink{}
	err := Fanout{first, second}.Publish(context.Background(), []Event{{Key: "k"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(second.got) != 0 {
		t.Fatal("second sink must not receive events after a failure")
	}
}

func TestLogSinkAcceptsEvents(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	sink := NewLogSink(logger)
	if err := sink.Publish(context.Background(), seeded(2).events); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	outbox := seeded(2)
	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		(&Relay{Outbox: outbox, Sink: sink, Interval: 5 * time.Millisecond}).Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		outbox.mu.Lock()
		left := len(outbox.events)
		outbox.mu.Unlock()
		if left == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("relay did not drain outbox")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRedisSinkPublishes(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	sink, err := NewRedisSink(addr, "", 0, "vesting:events:test")
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	defer sink.Close()
	if err := sink.Publish(context.Background(), seeded(3).events); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestPostgresSinkIgnoresRedelivery(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	sink, err := OpenPostgresSink(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sink.Close()

	id := uint64(time.Now().UnixNano() & 0x7fffffff)
	e := New(TokensReleased, id, 1, common.Address{}, uint256.NewInt(5), time.Now())
	e.Seq = 1
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := sink.Publish(ctx, []Event{e}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	var rows []EventModel
	err = sink.db.WithContext(ctx).Where("position_id = ?", int64(id)).Find(&rows).Error
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row after redelivery, got %d", len(rows))
	}
}
