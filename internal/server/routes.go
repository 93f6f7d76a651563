package server

import (
	"encoding/json"
	"net/http"

	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/common"
)

// setupRoutes configures the ambient HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.transport.ServeHTTP)
	mux.HandleFunc("/api/health", s.healthHandler)
	mux.HandleFunc("/api/version", s.versionHandler)
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler)

	return mux
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"GET": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		},
	})
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"GET": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{
				"version": common.GetVersion(),
				"build":   common.GetBuild(),
			})
		},
	})
}
