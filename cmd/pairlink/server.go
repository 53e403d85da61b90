package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pairlink/internal/models"
	"pairlink/internal/service"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server exposes local operational endpoints: health, metrics, session
// status, and a send endpoint for driving the client from scripts.
type Server struct {
	router *mux.Router
	logger *logrus.Logger
	client *service.SyncClient
	cfg    models.ServerConfig
	server *http.Server
}

func NewServer(client *service.SyncClient, cfg models.ServerConfig, logger *logrus.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
		client: client,
		cfg:    cfg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus()).Methods(http.MethodGet)
	s.router.HandleFunc("/send", s.handleSend()).Methods(http.MethodPost)
	s.router.HandleFunc("/activity", s.handleActivity()).Methods(http.MethodPost)
	s.router.HandleFunc("/reconnect", s.handleReconnect()).Methods(http.MethodPost)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Infof("Starting operations server on port %d", s.cfg.Port)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := s.client.PendingCount(r.Context())
		if err != nil {
			s.logger.WithError(err).Warn("Failed to read pending count")
		}

		participants, err := s.client.Participants(r.Context())
		if err != nil {
			s.logger.WithError(err).Warn("Failed to list participants")
			participants = []models.Participant{}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"connection":     s.client.ConnectionState(),
			"partner_online": s.client.PartnerOnline(),
			"pending":        pending,
			"participants":   participants,
		})
	}
}

type sendRequest struct {
	Text           string  `json:"text"`
	TranslatedText *string `json:"translatedText,omitempty"`
}

func (s *Server) handleSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		msg, err := s.client.SendMessage(r.Context(), req.Text, req.TranslatedText)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(msg)
	}
}

type activityRequest struct {
	Activity models.ActivityState `json:"activity"`
}

func (s *Server) handleActivity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req activityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := s.client.BroadcastActivity(r.Context(), req.Activity); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleReconnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.client.Reconnect(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
