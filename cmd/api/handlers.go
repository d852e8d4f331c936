package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"storefront/catalog"
	"storefront/commerce"
	"storefront/purchase"
	"storefront/sandbox"
	"storefront/storefront"
)

type productResponse struct {
	ID           string `json:"id"`
	DisplayName  string `json:"displayName"`
	Description  string `json:"description"`
	Price        string `json:"price"`
	CurrencyCode string `json:"currencyCode"`
	DisplayPrice string `json:"displayPrice"`
	Type         string `json:"type"`
	Unlocked     bool   `json:"unlocked"`
}

type catalogResponse struct {
	State   string            `json:"state"`
	Message string            `json:"message,omitempty"`
	Items   []productResponse `json:"items"`
}

type purchaseResponse struct {
	State     string `json:"state"`
	ProductID string `json:"productId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type stateResponse struct {
	Catalog      catalogResponse  `json:"catalog"`
	Purchase     purchaseResponse `json:"purchase"`
	Entitlements map[string]bool  `json:"entitlements"`
	Selected     *productResponse `json:"selected,omitempty"`
}

type transactionResponse struct {
	ID             string `json:"id"`
	ProductID      string `json:"productId"`
	PurchaseDate   string `json:"purchaseDate"`
	RevocationDate string `json:"revocationDate,omitempty"`
	Environment    string `json:"environment"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	view := s.service.Snapshot()
	resp := stateResponse{
		Catalog:      toCatalogResponse(view.Catalog, view.Products, view.Entitlements),
		Purchase:     toPurchaseResponse(view.Purchase),
		Entitlements: entitlementsView(view.Entitlements),
	}
	if view.Selected != nil {
		p := toProductResponse(*view.Selected, view.Entitlements)
		resp.Selected = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	view := s.service.Snapshot()
	writeJSON(w, http.StatusOK, toCatalogResponse(view.Catalog, view.Products, view.Entitlements))
}

func (s *Server) handleLoadProducts(w http.ResponseWriter, r *http.Request) {
	state := s.service.LoadProducts(r.Context())
	view := s.service.Snapshot()

	status := http.StatusOK
	if _, failed := state.(catalog.LoadError); failed {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, toCatalogResponse(state, view.Products, view.Entitlements))
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "id")
	if productID == "" {
		writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	// Purchases may wait on the payment sheet past the server write timeout.
	if s.purchaseTimeout > 0 {
		err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(s.purchaseTimeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			s.errorLog.Printf("purchase: extend write deadline: %v", err)
		}
	}

	// The payment flow keeps going if the client disconnects.
	state, err := s.service.Purchase(context.WithoutCancel(r.Context()), productID)
	switch {
	case errors.Is(err, purchase.ErrProductUnavailable):
		writeError(w, http.StatusNotFound, purchase.ReasonProductUnavailable)
		return
	case errors.Is(err, storefront.ErrPurchaseInProgress):
		writeError(w, http.StatusConflict, "purchase in progress")
		return
	case err != nil:
		s.serverError(w, err)
		return
	}

	status := http.StatusOK
	if _, pending := state.(purchase.Purchasing); pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toPurchaseResponse(state))
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Select(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, purchase.ErrProductUnavailable) {
			writeError(w, http.StatusNotFound, purchase.ReasonProductUnavailable)
			return
		}
		s.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeselect(w http.ResponseWriter, r *http.Request) {
	s.service.Deselect()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetPurchase(w http.ResponseWriter, r *http.Request) {
	s.service.ResetPurchase()
	writeJSON(w, http.StatusOK, toPurchaseResponse(s.service.Snapshot().Purchase))
}

func (s *Server) handleSandboxApprove(w http.ResponseWriter, r *http.Request) {
	s.sandboxTransaction(w, r, s.sandbox.ApprovePending)
}

func (s *Server) handleSandboxRefund(w http.ResponseWriter, r *http.Request) {
	s.sandboxTransaction(w, r, s.sandbox.Refund)
}

func (s *Server) handleSandboxGrant(w http.ResponseWriter, r *http.Request) {
	s.sandboxTransaction(w, r, s.sandbox.Grant)
}

func (s *Server) handleSandboxDecline(w http.ResponseWriter, r *http.Request) {
	if err := s.sandbox.DeclinePending(chi.URLParam(r, "id")); err != nil {
		s.sandboxError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSandboxOutcome(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	outcome, err := sandbox.ParseOutcome(body.Outcome)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.sandbox.SetOutcome(chi.URLParam(r, "id"), outcome); err != nil {
		s.sandboxError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sandboxTransaction(w http.ResponseWriter, r *http.Request, op func(string) (commerce.Transaction, error)) {
	tx, err := op(chi.URLParam(r, "id"))
	if err != nil {
		s.sandboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (s *Server) sandboxError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sandbox.ErrUnknownProduct):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sandbox.ErrNoPendingPurchase), errors.Is(err, sandbox.ErrNotPurchased):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.serverError(w, err)
	}
}

func toProductResponse(p commerce.Product, unlocked map[string]bool) productResponse {
	return productResponse{
		ID:           p.ID,
		DisplayName:  p.DisplayName,
		Description:  p.Description,
		Price:        p.Price.StringFixed(2),
		CurrencyCode: p.CurrencyCode,
		DisplayPrice: p.DisplayPrice(),
		Type:         string(p.Type),
		Unlocked:     unlocked[p.ID],
	}
}

func toCatalogResponse(state catalog.LoadState, products []commerce.Product, unlocked map[string]bool) catalogResponse {
	resp := catalogResponse{
		State: state.String(),
		Items: make([]productResponse, 0, len(products)),
	}
	if e, ok := state.(catalog.LoadError); ok {
		resp.Message = e.Message
	}
	for _, p := range products {
		resp.Items = append(resp.Items, toProductResponse(p, unlocked))
	}
	return resp
}

func toPurchaseResponse(state purchase.State) purchaseResponse {
	resp := purchaseResponse{State: state.String()}
	switch st := state.(type) {
	case purchase.Purchasing:
		resp.ProductID = st.ProductID
	case purchase.Completed:
		resp.ProductID = st.ProductID
	case purchase.Failed:
		resp.Reason = st.Reason
	}
	return resp
}

func toTransactionResponse(tx commerce.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:           tx.ID,
		ProductID:    tx.ProductID,
		PurchaseDate: tx.PurchaseDate.UTC().Format(time.RFC3339),
		Environment:  tx.Environment,
	}
	if tx.RevocationDate != nil {
		resp.RevocationDate = tx.RevocationDate.UTC().Format(time.RFC3339)
	}
	return resp
}
