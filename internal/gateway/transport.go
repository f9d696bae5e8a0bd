package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/your-org/meshgate/pkg/envelope"
)

// EnvelopePath is the HTTP endpoint every gateway accepts envelopes on.
const EnvelopePath = "/envelope"

// Transport moves one envelope to a peer endpoint and returns the peer's
// synchronous response envelope (ack or error).
type Transport interface {
	Send(ctx context.Context, endpoint string, env envelope.Envelope) (envelope.Envelope, error)
}

// HTTPTransport posts envelopes over HTTP(S).
type HTTPTransport struct {
	Client *http.Client
}

func (t *HTTPTransport) Send(ctx context.Context, endpoint string, env envelope.Envelope) (envelope.Envelope, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	body, err := envelope.Encode(env)
	if err != nil {
		return envelope.Envelope{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+EnvelopePath, bytes.NewReader(body))
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: build request: %v", ErrDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: read response: %v", ErrDelivery, err)
	}

	out, decErr := envelope.Decode(respBody)
	if decErr != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: status %d: %v", ErrDelivery, resp.StatusCode, decErr)
	}
	return out, nil
}

// Directory maps agent ids to their gateway base endpoints. Registration
// happens at startup from the manifest.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]string
}

func NewDirectory() *Directory {
	return &Directory{peers: make(map[string]string)}
}

func (d *Directory) Add(agentID string, endpoint string) error {
	if agentID == "" || endpoint == "" {
		return fmt.Errorf("peer needs both agent id and endpoint")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[agentID] = endpoint
	return nil
}

func (d *Directory) Endpoint(agentID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ep, ok := d.peers[agentID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return ep, nil
}
