package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/justinas/alice"
	"github.com/rs/cors"

	"storefront/catalog"
	"storefront/commerce"
	"storefront/metrics"
	"storefront/purchase"
	"storefront/sandbox"
	"storefront/storefront"
)

// storefrontService is the part of storefront.Service the handlers drive.
type storefrontService interface {
	LoadProducts(ctx context.Context) catalog.LoadState
	Purchase(ctx context.Context, productID string) (purchase.State, error)
	ResetPurchase()
	Select(productID string) error
	Deselect()
	Snapshot() storefront.View
}

// sandboxAdmin drives the local commerce platform from outside the app.
type sandboxAdmin interface {
	SetOutcome(productID string, outcome sandbox.Outcome) error
	ApprovePending(productID string) (commerce.Transaction, error)
	DeclinePending(productID string) error
	Refund(productID string) (commerce.Transaction, error)
	Grant(productID string) (commerce.Transaction, error)
}

var (
	_ storefrontService = (*storefront.Service)(nil)
	_ sandboxAdmin      = (*sandbox.Platform)(nil)
)

type Server struct {
	service         storefrontService
	sandbox         sandboxAdmin
	corsOrigins     []string
	purchaseTimeout time.Duration
	infoLog         *log.Logger
	errorLog        *log.Logger
}

func (s *Server) routes() http.Handler {
	standard := alice.New(s.recoverPanic, s.logRequest, metrics.InstrumentHandler, makeResponseJSON)

	mux := chi.NewRouter()
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	mux.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	mux.Get("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	mux.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/products", s.handleProducts)
		r.Post("/products/load", s.handleLoadProducts)
		r.Post("/products/{id}/purchase", s.handlePurchase)
		r.Put("/selection/{id}", s.handleSelect)
		r.Delete("/selection", s.handleDeselect)
		r.Post("/purchase/reset", s.handleResetPurchase)

		if s.sandbox != nil {
			r.Route("/sandbox/{id}", func(r chi.Router) {
				r.Post("/approve", s.handleSandboxApprove)
				r.Post("/decline", s.handleSandboxDecline)
				r.Post("/refund", s.handleSandboxRefund)
				r.Post("/grant", s.handleSandboxGrant)
				r.Put("/outcome", s.handleSandboxOutcome)
			})
		}
	})

	handler := standard.Then(mux)
	if len(s.corsOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
		}).Handler(handler)
	}
	return handler
}

func makeResponseJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.infoLog.Printf("%s - %s %s %s", r.RemoteAddr, r.Proto, r.Method, r.URL.RequestURI())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				w.Header().Set("Connection", "close")
				s.serverError(w, fmt.Errorf("%v", err))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.errorLog.Output(2, fmt.Sprintf("%s\n%s", err.Error(), debug.Stack()))
	writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// entitlementsView keeps the unlocked map JSON-stable for clients.
func entitlementsView(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}
