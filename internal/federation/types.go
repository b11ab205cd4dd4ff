// Package federation implements cross-node event forwarding over HTTP, per
// spec.md §4.9: outbound send with bounded retry, an offline queue for
// unreachable peers, and an inbound receive endpoint. No peer registry is
// kept: every send is given its target Peer by the caller.
package federation

import (
	"fmt"
	"time"
)

// APIVersion is the path prefix federation endpoints are served under,
// grounded on original_source/cis-core/src/matrix/federation/types.rs's
// FEDERATION_API_VERSION.
const APIVersion = "/v1"

// Peer is one federated node this node knows how to reach.
type Peer struct {
	NodeID     string
	ServerName string
	Host       string
	Port       int
	TLS        bool
}

// BaseURL is the scheme+host[:port] prefix for p's endpoints.
func (p Peer) BaseURL() string {
	scheme := "http"
	if p.TLS {
		scheme = "https"
	}
	if p.Port == 0 {
		return fmt.Sprintf("%s://%s", scheme, p.Host)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.Host, p.Port)
}

// Event is the wire envelope federated between nodes, carrying one room's
// append-only event per spec.md §4.1.
type Event struct {
	EventID     string         `json:"event_id"`
	RoomID      string         `json:"room_id"`
	Sender      string         `json:"sender"`
	Type        string         `json:"type"`
	Content     map[string]any `json:"content"`
	TimestampMS int64          `json:"timestamp_ms"`
	ParentID    string         `json:"parent_id,omitempty"`
}

// ReceiveResponse is a peer's reply to a received event.
type ReceiveResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Result pairs a peer with the outcome of sending it an event.
type Result struct {
	ServerName string
	Response   ReceiveResponse
	Err        error
}

func nowMS() int64 { return time.Now().UnixMilli() }
