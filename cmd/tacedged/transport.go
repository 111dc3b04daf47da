package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tacedge/relay/internal/nodes"
	"github.com/tacedge/relay/internal/queue"
)

// httpTransport delivers sealed payloads to a node's registered HTTP
// endpoint, looked up from its capability declaration (an
// "endpoint:<url>" entry), the simplest node transport that can
// exercise the breaker/retry machinery end to end.
type httpTransport struct {
	client   *http.Client
	registry *nodes.Registry
}

func (t *httpTransport) Deliver(ctx context.Context, msg queue.Message) error {
	node, err := t.registry.Get(ctx, msg.Recipient)
	if err != nil {
		return fmt.Errorf("transport: lookup recipient %s: %w", msg.Recipient, err)
	}
	endpoint := endpointFor(node)
	if endpoint == "" {
		return fmt.Errorf("transport: recipient %s has no registered endpoint", msg.Recipient)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(msg.SealedPayload))
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Message-ID", msg.ID)
	req.Header.Set("X-Precedence", msg.Precedence.String())

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: deliver: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transport: node responded %d", resp.StatusCode)
	}
	return nil
}

func endpointFor(n nodes.Node) string {
	const prefix = "endpoint:"
	for _, c := range n.Capabilities {
		if strings.HasPrefix(c, prefix) {
			return strings.TrimPrefix(c, prefix)
		}
	}
	return ""
}
