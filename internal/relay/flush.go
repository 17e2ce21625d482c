package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ironquill/battlemap/internal/chat"
)

// FlushSecretHeader authenticates relay-originated batch flushes. The relay
// has no user session, only this process-shared secret.
const FlushSecretHeader = "X-Relay-Secret"

// HTTPFlusher posts accumulated chat to the batch persistence endpoint.
type HTTPFlusher struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewHTTPFlusher constructs a flusher targeting baseURL.
func NewHTTPFlusher(baseURL, secret string) *HTTPFlusher {
	return &HTTPFlusher{
		baseURL: baseURL,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type flushPayload struct {
	Messages []chat.Message `json:"messages"`
}

// Flush posts the batch. The caller treats any error as a logged, swallowed
// at-most-once loss.
func (f *HTTPFlusher) Flush(ctx context.Context, mapID string, messages []chat.Message) error {
	body, err := json.Marshal(flushPayload{Messages: messages})
	if err != nil {
		return fmt.Errorf("relay: encode flush payload: %w", err)
	}
	endpoint := fmt.Sprintf("%s/maps/%s/chat/flush", f.baseURL, url.PathEscape(mapID))
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("relay: build flush request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(FlushSecretHeader, f.secret)

	response, err := f.client.Do(request)
	if err != nil {
		return fmt.Errorf("relay: flush request failed: %w", err)
	}
	defer response.Body.Close() //nolint:errcheck
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("relay: flush rejected with status %d", response.StatusCode)
	}
	return nil
}
