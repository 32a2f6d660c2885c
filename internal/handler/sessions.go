package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"robotrelay/internal/logger"
	"robotrelay/internal/protocol"
	"robotrelay/internal/relay"
	"robotrelay/internal/repository"
	"robotrelay/internal/session"
)

const maxWait = 30 * time.Second

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps relay errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrNoFrame),
		errors.Is(err, session.ErrNoDetection):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// ListClientsHandler returns every connected client's status, sorted by id.
func ListClientsHandler(hub *relay.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := hub.ListSessions()
		writeJSON(w, http.StatusOK, map[string]any{
			"clients": sessions,
			"count":   len(sessions),
		})
	}
}

func ClientStatusHandler(hub *relay.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := hub.SessionStatus(mux.Vars(r)["id"])
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// LatestFrameHandler serves the newest JPEG frame of a client.
func LatestFrameHandler(hub *relay.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frame, err := hub.QueryLatestFrame(mux.Vars(r)["id"])
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Frame-Timestamp", frame.Timestamp.UTC().Format(time.RFC3339Nano))
		if frame.FrameID != "" {
			w.Header().Set("X-Frame-Id", frame.FrameID)
		}
		w.Write(frame.Data)
	}
}

func LatestDetectionHandler(hub *relay.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := hub.QueryLatestDetection(mux.Vars(r)["id"])
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// DetectionHistoryHandler returns journaled detections, newest first.
// journal may be nil when no journal is configured.
func DetectionHistoryHandler(journal repository.JournalRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if journal == nil {
			writeError(w, http.StatusNotFound, errors.New("detection journal disabled"))
			return
		}
		limit := atoiDefault(r.URL.Query().Get("limit"), 20)
		if limit > 500 {
			limit = 500
		}

		events, err := journal.Recent(mux.Vars(r)["id"], limit)
		if err != nil {
			logger.Error("Journal query failed: %v", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	}
}

// commandRequest is the body of POST /client/{id}/command and POST /broadcast.
type commandRequest struct {
	CommandType string          `json:"command_type"`
	Data        json.RawMessage `json:"data"`
}

func decodeCommand(r *http.Request) (protocol.Command, error) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return protocol.Command{}, err
	}
	if req.CommandType == "" {
		return protocol.Command{}, errors.New("command_type is required")
	}
	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}
	return protocol.NewCommand(req.CommandType, data)
}

// SendCommandHandler forwards an operator command. With ?wait=<duration> it
// blocks until the client responds or the wait expires.
func SendCommandHandler(hub *relay.Hub, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := mux.Vars(r)["id"]
		cmd, err := decodeCommand(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if waitParam := r.URL.Query().Get("wait"); waitParam != "" {
			wait, err := time.ParseDuration(waitParam)
			if err != nil || wait <= 0 {
				writeError(w, http.StatusBadRequest, errors.New("wait must be a positive duration"))
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), min(wait, maxWait))
			defer cancel()

			resp, err := hub.Request(ctx, clientID, cmd)
			if err != nil {
				logger.Warning("Command %s to %s: %v", cmd.CommandType, clientID, err)
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}

		if !hub.SendCommand(clientID, cmd) {
			if _, err := hub.SessionStatus(clientID); err != nil {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusBadGateway, errors.New("command delivery failed"))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"command_id":   cmd.CommandID,
			"command_type": cmd.CommandType,
			"delivered":    true,
		})
	}
}

// BroadcastHandler sends one command to every connected client.
func BroadcastHandler(hub *relay.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, err := decodeCommand(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		payload, err := protocol.Encode(cmd)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"command_id": cmd.CommandID,
			"delivered":  hub.Broadcast(payload),
		})
	}
}

// HealthHandler reports liveness and the number of sessions.
func HealthHandler(hub *relay.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"clients":   hub.Store().Len(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// atoiDefault parses s as a positive int, falling back to def.
func atoiDefault(s string, def int) int {
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
