package handler

import (
	"net/http"
	"os"
	"path/filepath"
	"slices"

	"github.com/gorilla/mux"

	"robotrelay/internal/logger"
)

// ShowLogsHandler serves <level>.log from the log directory as text/plain.
func ShowLogsHandler(log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level := mux.Vars(r)["level"]
		if !slices.Contains(logger.Levels, level) {
			http.NotFound(w, r)
			return
		}
		serveLogFile(w, r, log.Dir(), level+".log")
	}
}

// serveLogFile is a helper that sets headers and serves a log file if it exists.
func serveLogFile(w http.ResponseWriter, r *http.Request, logDir, filename string) {
	filePath := filepath.Join(logDir, filename)

	if _, err := os.Stat(filePath); logDir == "" || os.IsNotExist(err) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("Log file not found: " + filename))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")

	http.ServeFile(w, r, filePath)
}
