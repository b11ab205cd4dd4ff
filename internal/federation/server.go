package federation

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Receiver accepts an inbound event forwarded by a peer and reports
// whether it was accepted.
type Receiver interface {
	ReceiveEvent(event Event) (accepted bool, reason string)
}

// ServerKeyProvider supplies this node's federation server-key document for
// the /_matrix/key/v2/server endpoint.
type ServerKeyProvider interface {
	ServerKeyDocument() map[string]any
}

// Router builds the inbound federation HTTP surface: event receipt and the
// server-key discovery document, grounded on client.rs's counterpart
// client-side calls to these same two endpoints.
func Router(receiver Receiver, keys ServerKeyProvider, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Post(APIVersion+"/event/receive", func(w http.ResponseWriter, req *http.Request) {
		var event Event
		if err := json.NewDecoder(req.Body).Decode(&event); err != nil {
			writeJSON(w, http.StatusBadRequest, ReceiveResponse{Accepted: false, Error: "malformed event body"})
			return
		}

		accepted, reason := receiver.ReceiveEvent(event)
		status := http.StatusAccepted
		if !accepted {
			status = http.StatusOK
			logger.Warn("rejected inbound federated event", "event_id", event.EventID, "reason", reason)
		}
		writeJSON(w, status, ReceiveResponse{Accepted: accepted, Error: reason})
	})

	r.Get("/_matrix/key/v2/server", func(w http.ResponseWriter, _ *http.Request) {
		doc := keys.ServerKeyDocument()
		writeJSON(w, http.StatusOK, doc)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ServerKeyDocument is a minimal, self-signed-free stand-in for the Matrix
// server-key document shape client.rs's fetch_server_key expects: enough
// for a health check and for a peer to learn this node's signing key.
func ServerKeyDocument(serverName, signingKeyID, publicKeyBase64 string, validUntil time.Time) map[string]any {
	return map[string]any{
		"server_name": serverName,
		"valid_until_ts": validUntil.UnixMilli(),
		"verify_keys": map[string]any{
			signingKeyID: map[string]any{"key": publicKeyBase64},
		},
	}
}
