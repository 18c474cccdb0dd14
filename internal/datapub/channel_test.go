package datapub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"Datapub-Apps/internal/slotstore"
)

func TestPublishItOnEveryEngine(t *testing.T) {
	ch := New(Options{})
	for id := 0; id < 4; id++ {
		if err := ch.Producer(ProducerID(id)).Publish(Payload{"a": "hi"}); err != nil {
			t.Fatalf("publish %d: %v", id, err)
		}
	}
	view := ch.View()
	data := view.Data()
	if len(data) != 4 {
		t.Fatalf("expected 4 payloads, got %s", spew.Sdump(data))
	}
	for i, d := range data {
		if d["a"] != "hi" {
			t.Fatalf("engine %d: unexpected payload %v", i, d)
		}
	}
	first := view.Snapshot()
	second := view.Snapshot()
	for i := range first.Entries {
		if first.Entries[i].Producer != second.Entries[i].Producer {
			t.Fatalf("order changed between snapshots")
		}
	}
}

func TestSimulationLoopSeesOnlyNewest(t *testing.T) {
	ch := New(Options{})
	h := ch.Producer(0)
	for i := 0; i < 10; i++ {
		a := make([]float64, 20)
		for j := range a {
			a[j] = float64(i)
		}
		if err := h.Publish(Payload{"a": a, "i": i}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	snap := ch.View().Snapshot()
	if len(snap.Entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(snap.Entries))
	}
	if got := snap.Entries[0].Value["i"]; got != 9 {
		t.Fatalf("expected i=9, got %v", got)
	}
	if got := snap.Entries[0].Stamp; got.Seq != 10 || got.Session != h.Session() {
		t.Fatalf("unexpected stamp %+v", got)
	}
}

func TestConcurrentHandlesFinalValues(t *testing.T) {
	ch := New(Options{})
	const engines = 8
	var g errgroup.Group
	for e := 0; e < engines; e++ {
		h := ch.Producer(ProducerID(e))
		g.Go(func() error {
			for i := 0; i <= 100; i++ {
				if err := h.Publish(Payload{"i": i}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	data := ch.View().Data()
	if len(data) != engines {
		t.Fatalf("expected %d payloads, got %d", engines, len(data))
	}
	for i, d := range data {
		if d["i"] != 100 {
			t.Fatalf("engine %d: expected final i=100, got %v", i, d["i"])
		}
	}
}

func TestDeregisterThroughChannel(t *testing.T) {
	ch := New(Options{})
	h := ch.Producer(0)
	_ = h.Publish(Payload{"a": "hi"})
	if err := ch.Deregister(0); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if n := len(ch.View().Data()); n != 0 {
		t.Fatalf("expected empty snapshot, got %d entries", n)
	}
	if err := ch.Deregister(0); !errors.Is(err, ErrUnknownProducer) {
		t.Fatalf("expected ErrUnknownProducer, got %v", err)
	}
	_ = h.Publish(Payload{"a": "again"})
	data := ch.View().Data()
	if len(data) != 1 || data[0]["a"] != "again" {
		t.Fatalf("expected producer to reappear, got %s", spew.Sdump(data))
	}
}

func TestAwaitUpdate(t *testing.T) {
	ch := New(Options{})
	view := ch.View()
	view.Snapshot()

	begin := time.Now()
	if view.AwaitUpdate(context.Background(), 30*time.Millisecond) {
		t.Fatal("expected no update")
	}
	if time.Since(begin) > 2*time.Second {
		t.Fatal("AwaitUpdate ignored its timeout")
	}

	h := ch.Producer(1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = h.Publish(Payload{"a": 1})
	}()
	if !view.AwaitUpdate(context.Background(), 3*time.Second) {
		t.Fatal("expected update after publish")
	}
	// Still unobserved until the next snapshot.
	if !view.AwaitUpdate(context.Background(), 10*time.Millisecond) {
		t.Fatal("update should stay pending until Snapshot")
	}
	view.Snapshot()
	if view.AwaitUpdate(context.Background(), 10*time.Millisecond) {
		t.Fatal("expected no update after Snapshot")
	}
}

func TestAwaitUpdateHonoursContext(t *testing.T) {
	ch := New(Options{})
	view := ch.View()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if view.AwaitUpdate(ctx, 0) {
		t.Fatal("expected no update on cancelled context")
	}
}

func TestHandlePayloadTooLarge(t *testing.T) {
	reg := prometheus.NewRegistry()
	ch := New(Options{Store: slotstore.Options{MaxPayloadBytes: 32}, Registerer: reg})
	h := ch.Producer(0)
	if err := h.Publish(Payload{"a": "hi"}); err != nil {
		t.Fatalf("small payload: %v", err)
	}
	err := h.Publish(Payload{"a": "a string well beyond the thirty two byte cap"})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if got := testutil.ToFloat64(ch.Metrics().PayloadTooLarge); got != 1 {
		t.Fatalf("expected one rejected publish, got %v", got)
	}
	if got := testutil.ToFloat64(ch.Metrics().Published); got != 1 {
		t.Fatalf("expected one publish, got %v", got)
	}
	if data := ch.View().Data(); data[0]["a"] != "hi" {
		t.Fatalf("rejected payload replaced slot: %v", data[0])
	}
}

func TestClosedHandle(t *testing.T) {
	ch := New(Options{})
	h := ch.Producer(0)
	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := h.Publish(Payload{"a": 1}); !errors.Is(err, ErrHandleClosed) {
		t.Fatalf("expected ErrHandleClosed, got %v", err)
	}
}

func TestProducersGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	ch := New(Options{Registerer: reg})
	_ = ch.Producer(0).Publish(Payload{"a": 1})
	_ = ch.Producer(1).Publish(Payload{"a": 1})
	if n, err := testutil.GatherAndCount(reg, "datapub_producers"); err != nil || n != 1 {
		t.Fatalf("expected producers gauge, got n=%d err=%v", n, err)
	}
	if got := ch.Store().Len(); got != 2 {
		t.Fatalf("expected 2 slots, got %d", got)
	}
}
