package main

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"Datapub-Apps/internal/datapub"
)

func TestSimulatePublishesEveryStep(t *testing.T) {
	ch := datapub.New(datapub.Options{})
	h := ch.Producer(3)
	if err := simulate(context.Background(), zap.NewNop(), h, 5, 20, time.Millisecond); err != nil {
		t.Fatalf("simulate: %v", err)
	}
	data := ch.View().Data()
	if len(data) != 1 {
		t.Fatalf("expected one engine, got %d", len(data))
	}
	if data[0]["i"] != 4 {
		t.Fatalf("expected last step 4, got %v", data[0]["i"])
	}
	if a, ok := data[0]["a"].([]float64); !ok || len(a) != 20 {
		t.Fatalf("expected 20 points, got %v", data[0]["a"])
	}
	if err := h.Publish(datapub.Payload{"i": 5}); err == nil {
		t.Fatal("handle should be closed after the loop")
	}
}

func TestSimulateStopsOnCancel(t *testing.T) {
	ch := datapub.New(datapub.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := simulate(ctx, zap.NewNop(), ch.Producer(0), 100, 4, time.Hour)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if data := ch.View().Data(); len(data) != 1 || data[0]["i"] != 0 {
		t.Fatalf("expected only the first step, got %v", data)
	}
}
