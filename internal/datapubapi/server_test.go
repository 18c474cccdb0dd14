package datapubapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"Datapub-Apps/internal/datapub"
	"Datapub-Apps/internal/slotstore"
)

func newTestMux(ch *datapub.Channel) *http.ServeMux {
	s := NewServer(ch, datapub.JSONCodec{}, 1<<20, nil)
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func TestDatapubHTTPFlow(t *testing.T) {
	ch := datapub.New(datapub.Options{})
	mux := newTestMux(ch)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	for _, id := range []string{"1", "0"} {
		rec := do(http.MethodPost, "/api/datapub/producer/"+id, `{"a":"hi"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("publish %s failed: %d %s", id, rec.Code, rec.Body.String())
		}
	}

	rec := do(http.MethodGet, "/api/datapub/snapshot", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot failed: %d %s", rec.Code, rec.Body.String())
	}
	var snap slotstore.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Entries) != 2 || snap.Entries[0].Producer != 0 || snap.Entries[1].Producer != 1 {
		t.Fatalf("unexpected snapshot: %s", rec.Body.String())
	}

	rec = do(http.MethodGet, "/api/datapub/data", "")
	if !strings.Contains(rec.Body.String(), `"data":[{"a":"hi"},{"a":"hi"}]`) {
		t.Fatalf("unexpected data: %s", rec.Body.String())
	}

	rec = do(http.MethodGet, "/api/datapub/producer/1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"producer":1`) {
		t.Fatalf("get producer failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(http.MethodDelete, "/api/datapub/producer/0", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("deregister failed: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(http.MethodDelete, "/api/datapub/producer/0", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown producer, got %d", rec.Code)
	}
	rec = do(http.MethodGet, "/api/datapub/producer/0", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after deregister, got %d", rec.Code)
	}

	rec = do(http.MethodPost, "/api/datapub/producer/abc", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}
	rec = do(http.MethodPost, "/api/datapub/producer/2", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", rec.Code)
	}
}

func TestPublishTooLarge(t *testing.T) {
	ch := datapub.New(datapub.Options{Store: slotstore.Options{MaxPayloadBytes: 16}})
	mux := newTestMux(ch)
	req := httptest.NewRequest(http.MethodPost, "/api/datapub/producer/0", strings.NewReader(`{"a":"a value that will not fit"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestUnavailableWithoutChannel(t *testing.T) {
	mux := newTestMux(nil)
	req := httptest.NewRequest(http.MethodGet, "/api/datapub/snapshot", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestStreamPushesUpdates(t *testing.T) {
	ch := datapub.New(datapub.Options{})
	srv := httptest.NewServer(newTestMux(ch))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/datapub/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	nextData := func() string {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimPrefix(strings.TrimSpace(line), "data: ")
			}
		}
	}

	if first := nextData(); !strings.Contains(first, `"entries":[]`) {
		t.Fatalf("expected empty initial snapshot, got %s", first)
	}
	if err := ch.Producer(0).Publish(datapub.Payload{"i": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if next := nextData(); !strings.Contains(next, `"i":1`) {
		t.Fatalf("expected pushed update, got %s", next)
	}
}

func TestWebsocketRoute(t *testing.T) {
	ch := datapub.New(datapub.Options{})
	srv := httptest.NewServer(newTestMux(ch))
	defer srv.Close()

	sender := datapub.NewWebsocketSender("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/datapub/ws", datapub.JSONCodec{}, datapub.WebsocketOptions{})
	defer sender.Close()
	h := datapub.NewHandle(5, sender, datapub.HandleOptions{})
	if err := h.Publish(datapub.Payload{"a": "hi"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e, ok := ch.Store().Get(5); ok && e.Value["a"] == "hi" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("websocket publish never reached the store")
}
