package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/akanda-apero/orderflow/internal/checkout"
	"github.com/akanda-apero/orderflow/internal/session"
	"github.com/akanda-apero/orderflow/internal/storage"
	"github.com/akanda-apero/orderflow/internal/ws"
	"github.com/akanda-apero/orderflow/pkg/models"
)

type sessionStateResponse struct {
	SessionKey   string                    `json:"session_key"`
	State        checkout.State            `json:"state"`
	Items        []models.CartLineItem     `json:"items"`
	Totals       *models.CartTotals        `json:"totals,omitempty"`
	LastError    string                    `json:"last_error,omitempty"`
	Confirmation *models.OrderConfirmation `json:"confirmation,omitempty"`
}

func (s *Server) sessionState(key string, f *checkout.Flow) sessionStateResponse {
	resp := sessionStateResponse{
		SessionKey:   key,
		State:        f.State(),
		Items:        f.Cart().Items(),
		LastError:    f.LastError(),
		Confirmation: f.Confirmation(),
	}
	if totals, err := f.Totals(); err == nil {
		resp.Totals = &totals
	}
	return resp
}

func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	key, f := s.createFlow()
	respondWithJSON(w, http.StatusCreated, s.sessionState(key, f))
}

func (s *Server) GetSessionState(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	f, ok := s.flow(key)
	if !ok {
		respondWithError(w, http.StatusNotFound, "Session inconnue")
		return
	}
	respondWithJSON(w, http.StatusOK, s.sessionState(key, f))
}

type addItemRequest struct {
	Product  models.Product `json:"product"`
	Quantity int            `json:"quantity"`
}

func (s *Server) AddCartItem(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	f, ok := s.flow(key)
	if !ok {
		respondWithError(w, http.StatusNotFound, "Session inconnue")
		return
	}

	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Corps de requête invalide")
		return
	}
	if req.Product.ID == "" {
		respondWithError(w, http.StatusBadRequest, "Produit manquant")
		return
	}

	f.Cart().Add(req.Product, req.Quantity)
	respondWithJSON(w, http.StatusOK, s.sessionState(key, f))
}

type setQuantityRequest struct {
	Quantity int `json:"quantity"`
}

func (s *Server) SetCartItemQuantity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	f, ok := s.flow(vars["key"])
	if !ok {
		respondWithError(w, http.StatusNotFound, "Session inconnue")
		return
	}

	var req setQuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Corps de requête invalide")
		return
	}

	f.Cart().SetQuantity(vars["productID"], req.Quantity)
	respondWithJSON(w, http.StatusOK, s.sessionState(vars["key"], f))
}

func (s *Server) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	f, ok := s.flow(vars["key"])
	if !ok {
		respondWithError(w, http.StatusNotFound, "Session inconnue")
		return
	}

	f.Cart().Remove(vars["productID"])
	respondWithJSON(w, http.StatusOK, s.sessionState(vars["key"], f))
}

func (s *Server) ClearCart(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	f, ok := s.flow(key)
	if !ok {
		respondWithError(w, http.StatusNotFound, "Session inconnue")
		return
	}

	f.Cart().Clear()
	respondWithJSON(w, http.StatusOK, s.sessionState(key, f))
}

// SnapshotCart saves the cart before the storefront bounces the customer
// through an auth redirect.
func (s *Server) SnapshotCart(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	f, ok := s.flow(key)
	if !ok {
		respondWithError(w, http.StatusNotFound, "Session inconnue")
		return
	}
	if s.PendingCarts == nil {
		respondWithError(w, http.StatusNotImplemented, "Sauvegarde du panier indisponible")
		return
	}

	if err := s.PendingCarts.SavePendingCart(key, f.Cart().Items()); err != nil {
		s.logger.WithError(err).Error("Failed to snapshot cart")
		respondWithError(w, http.StatusInternalServerError, "Failed to snapshot cart")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// RestoreCart replaces the cart with the saved snapshot. The snapshot is
// consumed: a second restore finds nothing.
func (s *Server) RestoreCart(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	f, ok := s.flow(key)
	if !ok {
		respondWithError(w, http.StatusNotFound, "Session inconnue")
		return
	}
	if s.PendingCarts == nil {
		respondWithError(w, http.StatusNotImplemented, "Restauration du panier indisponible")
		return
	}

	items, err := s.PendingCarts.TakePendingCart(key)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Aucun panier sauvegardé")
			return
		}
		s.logger.WithError(err).Error("Failed to restore cart")
		respondWithError(w, http.StatusInternalServerError, "Failed to restore cart")
		return
	}

	f.Cart().Replace(items)
	respondWithJSON(w, http.StatusOK, s.sessionState(key, f))
}

func (s *Server) SubmitDelivery(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	f, ok := s.flow(key)
	if !ok {
		respondWithError(w, http.StatusNotFound, "Session inconnue")
		return
	}

	var info models.DeliveryInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		respondWithError(w, http.StatusBadRequest, "Corps de requête invalide")
		return
	}

	if err := f.SubmitDelivery(info); err != nil {
		if errors.Is(err, checkout.ErrWrongState) {
			respondWithError(w, http.StatusConflict, err.Error())
			return
		}
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, s.sessionState(key, f))
}

type submitPaymentRequest struct {
	Payment          models.PaymentInfo `json:"payment"`
	ProceedWithValid bool               `json:"proceed_with_valid"`
}

// SubmitPayment runs the whole submission. A refused order is a domain
// outcome, not a transport error: the flow's failed state comes back with
// 200 so the storefront can render the message and offer a retry.
func (s *Server) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	f, ok := s.flow(key)
	if !ok {
		respondWithError(w, http.StatusNotFound, "Session inconnue")
		return
	}

	var req submitPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Corps de requête invalide")
		return
	}

	result, err := f.SubmitPayment(r.Context(), req.Payment, req.ProceedWithValid)
	if result != nil && s.Hub != nil {
		switch result.State {
		case checkout.StateConfirmation:
			s.Hub.Broadcast(ws.EventOrderConfirmed, result, "checkout-service")
		case checkout.StateFailed:
			s.Hub.Broadcast(ws.EventOrderFailed, map[string]interface{}{
				"session_key": key,
				"message":     result.Message,
			}, "checkout-service")
		}
	}
	if err != nil {
		var invalid *checkout.InvalidItemsError
		switch {
		case errors.As(err, &invalid):
			respondWithJSON(w, http.StatusConflict, map[string]interface{}{
				"success":       false,
				"message":       invalid.Error(),
				"invalid_items": invalid.Items,
			})
		case errors.Is(err, checkout.ErrAlreadySubmitting),
			errors.Is(err, checkout.ErrWrongState):
			respondWithError(w, http.StatusConflict, err.Error())
		case errors.Is(err, checkout.ErrEmptyOrder):
			respondWithError(w, http.StatusBadRequest, err.Error())
		case result != nil:
			// Submission reached the remote side and failed there.
			respondWithJSON(w, http.StatusOK, result)
		default:
			respondWithError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (s *Server) GoBack(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	f, ok := s.flow(key)
	if !ok {
		respondWithError(w, http.StatusNotFound, "Session inconnue")
		return
	}

	if err := f.Back(); err != nil {
		respondWithError(w, http.StatusConflict, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, s.sessionState(key, f))
}

type resumeRequest struct {
	Resume bool `json:"resume"`
}

func (s *Server) ResumeConfirmation(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	f, ok := s.flow(key)
	if !ok {
		respondWithError(w, http.StatusNotFound, "Session inconnue")
		return
	}

	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Corps de requête invalide")
		return
	}

	restored := f.Resume(req.Resume)
	resp := s.sessionState(key, f)
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"restored": restored,
		"session":  resp,
	})
}

func (s *Server) StartNewOrder(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	f, ok := s.flow(key)
	if !ok {
		respondWithError(w, http.StatusNotFound, "Session inconnue")
		return
	}

	f.StartNewOrder()
	respondWithJSON(w, http.StatusOK, s.sessionState(key, f))
}

func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	status := models.OrderStatus(r.URL.Query().Get("status"))
	if status != "" && !models.ValidOrderStatus(status) {
		respondWithError(w, http.StatusBadRequest, "Statut inconnu")
		return
	}

	orders, err := s.directory.ListOrders(r.Context(), status)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list orders")
		respondWithError(w, http.StatusInternalServerError, "Failed to list orders")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"count":  len(orders),
	})
}

func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	order, err := s.directory.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Order not found")
			return
		}
		s.logger.WithError(err).Error("Failed to get order")
		respondWithError(w, http.StatusInternalServerError, "Failed to get order")
		return
	}

	respondWithJSON(w, http.StatusOK, order)
}

type updateStatusRequest struct {
	Status models.OrderStatus `json:"status"`
}

func (s *Server) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Corps de requête invalide")
		return
	}

	err := s.directory.UpdateOrderStatus(r.Context(), orderID, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			respondWithError(w, http.StatusNotFound, "Order not found")
		case errors.Is(err, storage.ErrInvalidStatus):
			respondWithError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.WithError(err).Error("Failed to update order status")
			respondWithError(w, http.StatusInternalServerError, "Failed to update order status")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  req.Status,
	})
}

func (s *Server) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := s.directory.CustomerSummaries(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to list customers")
		respondWithError(w, http.StatusInternalServerError, "Failed to list customers")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"customers": customers,
		"count":     len(customers),
	})
}
