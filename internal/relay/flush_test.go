package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ironquill/battlemap/internal/chat"
)

func TestHTTPFlusherPostsBatchWithSecret(t *testing.T) {
	var gotPath, gotSecret, gotContentType string
	var gotPayload flushPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSecret = r.Header.Get(FlushSecretHeader)
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("failed to decode flush payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	flusher := NewHTTPFlusher(server.URL, "shared-secret")
	messages := []chat.Message{
		{ID: "m1", MapID: "map-1", SenderID: "user-a", Text: "hello", SentAtSec: 10},
		{ID: "m2", MapID: "map-1", SenderID: "user-b", Text: "hi", SentAtSec: 11},
	}
	if err := flusher.Flush(context.Background(), "map-1", messages); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	if gotPath != "/maps/map-1/chat/flush" {
		t.Fatalf("unexpected flush path %q", gotPath)
	}
	if gotSecret != "shared-secret" {
		t.Fatalf("unexpected secret header %q", gotSecret)
	}
	if gotContentType != "application/json" {
		t.Fatalf("unexpected content type %q", gotContentType)
	}
	if len(gotPayload.Messages) != 2 || gotPayload.Messages[0].ID != "m1" {
		t.Fatalf("unexpected payload: %#v", gotPayload.Messages)
	}
}

func TestHTTPFlusherReportsRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	flusher := NewHTTPFlusher(server.URL, "wrong")
	err := flusher.Flush(context.Background(), "map-1", []chat.Message{{ID: "m1", Text: "x"}})
	if err == nil {
		t.Fatal("expected an error for a rejected flush")
	}
}

func TestHTTPFlusherEscapesMapID(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	flusher := NewHTTPFlusher(server.URL, "s")
	if err := flusher.Flush(context.Background(), "a/b", []chat.Message{{ID: "m1", Text: "x"}}); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if gotPath != "/maps/a%2Fb/chat/flush" {
		t.Fatalf("unexpected escaped path %q", gotPath)
	}
}
