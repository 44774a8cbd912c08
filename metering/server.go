// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package metering is the HTTP surface of the usage-metering gateway:
// text generation against a prepaid balance, credit top-ups, and the
// payment provider webhook.
package metering

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"conduit/platform/metering/generation"
	"conduit/platform/metering/ledger"
	"conduit/platform/metering/payments"
	"conduit/platform/metering/ratelimit"
	"conduit/platform/shared/logger"
)

// Generator runs one metered generation.
type Generator interface {
	Generate(ctx context.Context, accountID, requestID string, req generation.Request) (*generation.Result, error)
}

// Accounts is the read side of the ledger plus account provisioning.
type Accounts interface {
	OpenAccount(ctx context.Context, accountID string) error
	BalanceOf(ctx context.Context, accountID string) (decimal.Decimal, error)
	History(ctx context.Context, accountID string, limit int) ([]ledger.Entry, error)
}

type TopUps interface {
	Start(ctx context.Context, accountID string, quantity int64) (string, error)
}

type SessionStatuses interface {
	Status(ctx context.Context, accountID, sessionID string) (*payments.SessionStatus, error)
}

type Webhooks interface {
	Process(ctx context.Context, payload []byte, signature string) (payments.Result, error)
}

// Dependencies are the collaborators a Server is built from.
type Dependencies struct {
	Generator Generator
	Accounts  Accounts
	TopUps    TopUps
	Statuses  SessionStatuses
	Webhooks  Webhooks
	Limiter   ratelimit.Limiter
	JWTSecret []byte
	Gatherer  prometheus.Gatherer
	Logger    *logger.Logger
}

// Server routes requests to the metering services.
type Server struct {
	deps        Dependencies
	router      *mux.Router
	log         *logger.Logger
	provisioned sync.Map
}

// NewServer validates deps and registers all routes.
func NewServer(deps Dependencies) (*Server, error) {
	if deps.Generator == nil || deps.Accounts == nil || deps.TopUps == nil ||
		deps.Statuses == nil || deps.Webhooks == nil {
		return nil, errors.New("metering server requires generator, accounts, top-ups, statuses and webhooks")
	}
	if len(deps.JWTSecret) == 0 {
		return nil, errors.New("metering server requires a JWT secret")
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewMemoryLimiter(0, 0)
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Logger == nil {
		deps.Logger = logger.New("metering")
	}

	s := &Server{deps: deps, router: mux.NewRouter(), log: deps.Logger}
	s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Use(s.requestID)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/prometheus", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/webhooks/payments", s.handleWebhook).Methods(http.MethodPost)

	api := s.router.NewRoute().Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/generate/text", s.handleGenerate).Methods(http.MethodPost)
	api.HandleFunc("/credits", s.handleBalance).Methods(http.MethodGet)
	api.HandleFunc("/credits", s.handleTopUp).Methods(http.MethodPost)
	api.HandleFunc("/credits/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/credits/{sessionId}", s.handleSessionStatus).Methods(http.MethodGet)
}
