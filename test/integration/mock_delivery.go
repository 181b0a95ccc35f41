package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/veltis/authflow/internal/notify"
)

// MockDelivery is an HTTP stub for the notification delivery service. It
// records every dispatch request and can be told to reject requests so
// tests can drive the dispatcher's circuit breaker.
type MockDelivery struct {
	mu       sync.Mutex
	server   *httptest.Server
	messages []notify.Message
	failWith int // HTTP status to reject with, 0 accepts
	tickets  int
}

func newMockDelivery(t *testing.T) *MockDelivery {
	t.Helper()

	md := &MockDelivery{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/dispatch", md.handleDispatch)

	md.server = httptest.NewServer(mux)
	t.Cleanup(md.server.Close)
	return md
}

func (md *MockDelivery) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var msg notify.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad dispatch payload", http.StatusBadRequest)
		return
	}

	md.mu.Lock()
	defer md.mu.Unlock()

	if md.failWith != 0 {
		http.Error(w, "delivery backend unavailable", md.failWith)
		return
	}

	md.messages = append(md.messages, msg)
	md.tickets++

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"ticket_id": fmt.Sprintf("tkt_%06d", md.tickets),
	})
}

// URL returns the base URL of the stub delivery service.
func (md *MockDelivery) URL() string {
	return md.server.URL
}

// FailWith makes subsequent dispatch requests fail with the given HTTP
// status. Passing 0 restores normal acceptance.
func (md *MockDelivery) FailWith(status int) {
	md.mu.Lock()
	defer md.mu.Unlock()
	md.failWith = status
}

// Messages returns a copy of all accepted dispatch requests.
func (md *MockDelivery) Messages() []notify.Message {
	md.mu.Lock()
	defer md.mu.Unlock()
	return append([]notify.Message(nil), md.messages...)
}

// LastSecret returns the named data value from the most recent accepted
// message. Fails the test when no message or value is present.
func (md *MockDelivery) LastSecret(t *testing.T, key string) string {
	t.Helper()

	md.mu.Lock()
	defer md.mu.Unlock()

	if len(md.messages) == 0 {
		t.Fatal("no dispatch request was delivered")
	}
	msg := md.messages[len(md.messages)-1]
	secret := msg.Data[key]
	if secret == "" {
		t.Fatalf("delivered message carries no %q: %+v", key, msg)
	}
	return secret
}
