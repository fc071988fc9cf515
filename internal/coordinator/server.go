// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"marquee/internal/logger"
)

// APIServer exposes the external-collaborator surface over HTTP: the
// websocket upgrade endpoint for displays and a REST API for status
// queries, commands, content pushes, and administrative removal.
type APIServer struct {
	config      *Config
	coordinator *Coordinator
	server      *http.Server
	logger      zerolog.Logger
	errCh       chan error
}

// CommandRequest is the body of POST /api/v1/displays/{id}/command.
type CommandRequest struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ContentRequest is the body of POST /api/v1/displays/{id}/content.
type ContentRequest struct {
	ContentRef string `json:"content_ref"`
	Version    int64  `json:"version,omitempty"`
}

// NewAPIServer creates the HTTP server with all routes registered.
func NewAPIServer(config *Config, coordinator *Coordinator) *APIServer {
	api := &APIServer{
		config:      config,
		coordinator: coordinator,
		logger:      logger.GetLogger("api"),
		errCh:       make(chan error, 1),
	}

	router := mux.NewRouter()

	// Display-facing websocket endpoint.
	router.HandleFunc(config.Server.Path, coordinator.gateway.HandleUpgrade)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.HandleFunc("/health", api.handleHealth).Methods("GET")
	apiRouter.HandleFunc("/status", api.handleStatus).Methods("GET")
	apiRouter.HandleFunc("/displays", api.handleListDisplays).Methods("GET")
	apiRouter.HandleFunc("/displays/{id}", api.handleGetDisplay).Methods("GET")
	apiRouter.HandleFunc("/displays/{id}", api.handleRemoveDisplay).Methods("DELETE")
	apiRouter.HandleFunc("/displays/{id}/command", api.handleSendCommand).Methods("POST")
	apiRouter.HandleFunc("/displays/{id}/content", api.handleSendContent).Methods("POST")
	apiRouter.HandleFunc("/broadcast", api.handleBroadcast).Methods("POST")

	api.server = &http.Server{
		Addr:         config.Server.ListenAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return api
}

// Start begins serving in the background.
func (api *APIServer) Start() error {
	api.logger.Info().
		Str("address", api.config.Server.ListenAddress).
		Str("ws_path", api.config.Server.Path).
		Msg("Starting API server")

	go func() {
		if err := api.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			api.logger.Error().Err(err).Msg("API server failed")
			api.errCh <- err
		}
	}()

	// Give the listener a moment to surface an immediate bind failure.
	select {
	case err := <-api.errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop shuts the HTTP server down gracefully.
func (api *APIServer) Stop(ctx context.Context) error {
	return api.server.Shutdown(ctx)
}

func (api *APIServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
	})
}

func (api *APIServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	registry := api.coordinator.registry
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"server_id":      api.config.Server.ID,
		"uptime_seconds": int64(api.coordinator.Uptime().Seconds()),
		"displays":       len(registry.ListAll()),
		"online":         registry.OnlineCount(),
		"connections":    api.coordinator.gateway.ConnectionCount(),
	})
}

func (api *APIServer) handleListDisplays(w http.ResponseWriter, _ *http.Request) {
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"displays": api.coordinator.registry.ListAll(),
	})
}

func (api *APIServer) handleGetDisplay(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	device, exists := api.coordinator.registry.Lookup(deviceID)
	if !exists {
		api.writeError(w, http.StatusNotFound, fmt.Sprintf("display not found: %s", deviceID))
		return
	}

	api.writeJSON(w, http.StatusOK, device)
}

func (api *APIServer) handleRemoveDisplay(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	if err := api.coordinator.registry.Remove(deviceID); err != nil {
		if errors.Is(err, ErrUnknownDevice) {
			api.writeError(w, http.StatusNotFound, fmt.Sprintf("display not found: %s", deviceID))
			return
		}
		api.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed": deviceID,
	})
}

func (api *APIServer) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		api.writeError(w, http.StatusBadRequest, "command name is required")
		return
	}

	nonce, err := api.coordinator.SendCommand(deviceID, req.Name, req.Params)
	if err != nil {
		if errors.Is(err, ErrDeviceNotConnected) {
			api.writeError(w, http.StatusConflict, err.Error())
			return
		}
		api.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	api.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"device_id": deviceID,
		"nonce":     nonce,
	})
}

func (api *APIServer) handleSendContent(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	var req ContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ContentRef == "" {
		api.writeError(w, http.StatusBadRequest, "content_ref is required")
		return
	}

	if err := api.coordinator.SendContentUpdate(deviceID, req.ContentRef, req.Version); err != nil {
		if errors.Is(err, ErrDeviceNotConnected) {
			api.writeError(w, http.StatusConflict, err.Error())
			return
		}
		api.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	api.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"device_id":   deviceID,
		"content_ref": req.ContentRef,
	})
}

func (api *APIServer) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		api.writeError(w, http.StatusBadRequest, "command name is required")
		return
	}

	sent := 0
	for _, device := range api.coordinator.registry.ListAll() {
		if device.Status != StatusOnline {
			continue
		}
		if _, err := api.coordinator.SendCommand(device.ID, req.Name, req.Params); err != nil {
			api.logger.Warn().
				Str("device_id", device.ID).
				Err(err).
				Msg("Broadcast command failed")
			continue
		}
		sent++
	}

	api.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"sent": sent,
	})
}

func (api *APIServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		api.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (api *APIServer) writeError(w http.ResponseWriter, status int, message string) {
	api.writeJSON(w, status, map[string]interface{}{
		"error": message,
	})
}
