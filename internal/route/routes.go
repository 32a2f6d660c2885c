package route

import (
	"net/http"

	"github.com/gorilla/mux"

	"robotrelay/internal/config"
	"robotrelay/internal/handler"
	"robotrelay/internal/logger"
	"robotrelay/internal/metrics"
	"robotrelay/internal/middleware"
	"robotrelay/internal/relay"
	"robotrelay/internal/repository"
)

// SetupRoutes registers the client transport, the operator API, metrics and
// log endpoints. journal may be nil.
func SetupRoutes(hub *relay.Hub, cfg *config.Config, logger *logger.Logger,
	m *metrics.Metrics, journal repository.JournalRepository) http.Handler {
	router := mux.NewRouter()

	// Client transport
	router.HandleFunc("/ws/{id}", handler.ClientWebsocketHandler(hub, cfg.Relay, logger)).Methods(http.MethodGet)

	// Operator API
	router.HandleFunc("/clients", handler.ListClientsHandler(hub)).Methods(http.MethodGet)
	router.HandleFunc("/client/{id}/status", handler.ClientStatusHandler(hub)).Methods(http.MethodGet)
	router.HandleFunc("/client/{id}/latest_frame", handler.LatestFrameHandler(hub)).Methods(http.MethodGet)
	router.HandleFunc("/client/{id}/latest_detection", handler.LatestDetectionHandler(hub)).Methods(http.MethodGet)
	router.HandleFunc("/client/{id}/detections", handler.DetectionHistoryHandler(journal, logger)).Methods(http.MethodGet)
	router.HandleFunc("/client/{id}/command", handler.SendCommandHandler(hub, logger)).Methods(http.MethodPost)
	router.HandleFunc("/broadcast", handler.BroadcastHandler(hub)).Methods(http.MethodPost)
	router.HandleFunc("/health", handler.HealthHandler(hub)).Methods(http.MethodGet)

	// Observability
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/logs/{level}", handler.ShowLogsHandler(logger)).Methods(http.MethodGet)

	router.Use(middleware.LoggingMiddleware(logger))
	return router
}
