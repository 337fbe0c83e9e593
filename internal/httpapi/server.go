// Package httpapi exposes the storefront over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jiggy606/amazon-clone/internal/domain/market"
	"github.com/jiggy606/amazon-clone/internal/errors"
	"github.com/jiggy606/amazon-clone/internal/logging"
	"github.com/jiggy606/amazon-clone/internal/storefront"
)

// ProfileService updates the user profile.
type ProfileService interface {
	SetNickname(ctx context.Context, nickname string) error
}

// Server is the HTTP front of the storefront service.
type Server struct {
	svc     *storefront.Service
	profile ProfileService
	log     *logging.Logger
	router  *mux.Router
}

// NewServer builds the router. profile may be nil; the nickname endpoint
// then returns 503.
func NewServer(svc *storefront.Service, profile ProfileService, authSecret []byte, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewDefault("httpapi")
	}
	s := &Server{
		svc:     svc,
		profile: profile,
		log:     log,
		router:  mux.NewRouter(),
	}

	auth := NewAuthMiddleware(authSecret, log, []string{"/healthz", "/metrics"})
	purchaseLimit := NewRateLimiter(1, 3)

	s.router.Use(TraceMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(auth.Handler)
	api.Handle("/tokens/buy", purchaseLimit.Handler(http.HandlerFunc(s.handleBuyTokens))).Methods(http.MethodPost)
	api.Handle("/assets/buy", purchaseLimit.Handler(http.HandlerFunc(s.handleBuyAsset))).Methods(http.MethodPost)
	api.HandleFunc("/balance", s.handleBalance).Methods(http.MethodGet)
	api.HandleFunc("/catalog", s.handleCatalog).Methods(http.MethodGet)
	api.HandleFunc("/owned", s.handleOwned).Methods(http.MethodGet)
	api.HandleFunc("/profile/nickname", s.handleSetNickname).Methods(http.MethodPut)

	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type buyTokensRequest struct {
	Amount uint64 `json:"amount"`
}

type purchaseResponse struct {
	Outcome      string `json:"outcome"`
	TxHash       string `json:"tx_hash,omitempty"`
	ExplorerLink string `json:"explorer_link,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (s *Server) handleBuyTokens(w http.ResponseWriter, r *http.Request) {
	var req buyTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errors.InvalidInput("malformed request body"))
		return
	}
	if req.Amount == 0 {
		respondError(w, errors.InvalidInput("amount must be positive"))
		return
	}

	result, err := s.svc.BuyTokens(r.Context(), req.Amount)
	s.respondPurchase(w, r, result, err)
}

type buyAssetRequest struct {
	AssetID string `json:"asset_id"`
}

func (s *Server) handleBuyAsset(w http.ResponseWriter, r *http.Request) {
	var req buyAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AssetID == "" {
		respondError(w, errors.InvalidInput("asset_id is required"))
		return
	}

	asset, ok := s.findAsset(r.Context(), req.AssetID)
	if !ok {
		respondError(w, errors.NotFound("asset not found"))
		return
	}

	result, err := s.svc.BuyAsset(r.Context(), asset)
	s.respondPurchase(w, r, result, err)
}

func (s *Server) findAsset(ctx context.Context, assetID string) (market.Asset, bool) {
	lookup := func() (market.Asset, bool) {
		for _, a := range s.svc.CatalogView() {
			if a.ID == assetID {
				return a, true
			}
		}
		return market.Asset{}, false
	}

	if asset, ok := lookup(); ok {
		return asset, true
	}
	if err := s.svc.RefreshCatalog(ctx); err != nil {
		s.log.WithContext(ctx).WithError(err).Warnf("catalog refresh failed")
		return market.Asset{}, false
	}
	return lookup()
}

func (s *Server) respondPurchase(w http.ResponseWriter, r *http.Request, result storefront.Result, err error) {
	if err == storefront.ErrPurchaseInFlight {
		respondError(w, errors.Conflict("a purchase is already in flight"))
		return
	}

	resp := purchaseResponse{
		Outcome:      string(result.Outcome),
		TxHash:       result.TxHash,
		ExplorerLink: result.ExplorerLink,
	}

	status := http.StatusOK
	switch {
	case err == nil && result.Outcome == storefront.OutcomeSuccess:
	case result.Outcome == storefront.OutcomeAuthRequired:
		status = http.StatusUnauthorized
	case result.Outcome == storefront.OutcomePersistenceFailed:
		status = http.StatusInternalServerError
	default:
		status = http.StatusBadGateway
	}

	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Warnf("purchase ended with outcome %s", result.Outcome)
		resp.Error = err.Error()
	}
	respondJSON(w, status, resp)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.svc.RefreshBalance(r.Context())
	if err != nil {
		respondError(w, errors.Internal("balance refresh failed", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

type catalogAsset struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Price    string            `json:"price"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RefreshCatalog(r.Context()); err != nil {
		respondError(w, errors.Internal("catalog refresh failed", err))
		return
	}

	view := s.svc.CatalogView()
	out := make([]catalogAsset, 0, len(view))
	for _, a := range view {
		out = append(out, catalogAsset{
			ID:       a.ID,
			Name:     a.Name,
			Price:    a.Price.String(),
			Metadata: a.Metadata,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

type ownedAsset struct {
	AssetID      string            `json:"asset_id"`
	Name         string            `json:"name"`
	Price        string            `json:"price"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	PurchasedAt  time.Time         `json:"purchased_at"`
	TxHash       string            `json:"tx_hash"`
	ExplorerLink string            `json:"explorer_link,omitempty"`
}

func (s *Server) handleOwned(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RefreshOwned(r.Context()); err != nil {
		respondError(w, errors.Internal("owned refresh failed", err))
		return
	}

	view := s.svc.OwnedView()
	out := make([]ownedAsset, 0, len(view))
	for _, o := range view {
		out = append(out, ownedAsset{
			AssetID:      o.AssetID,
			Name:         o.Name,
			Price:        o.Price.String(),
			Metadata:     o.Metadata,
			PurchasedAt:  o.PurchasedAt,
			TxHash:       o.TxHash,
			ExplorerLink: o.ExplorerLink,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

type nicknameRequest struct {
	Nickname string `json:"nickname"`
}

func (s *Server) handleSetNickname(w http.ResponseWriter, r *http.Request) {
	if s.profile == nil {
		respondError(w, &errors.ServiceError{Code: errors.CodeUnavailable, Message: "profile service unavailable"})
		return
	}

	var req nicknameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errors.InvalidInput("malformed request body"))
		return
	}
	if req.Nickname == "" {
		respondError(w, errors.InvalidInput("nickname must not be empty"))
		return
	}

	if err := s.profile.SetNickname(r.Context(), req.Nickname); err != nil {
		respondError(w, errors.Internal("nickname update failed", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"nickname": req.Nickname})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, err error) {
	svcErr := errors.AsService(err)
	respondJSON(w, svcErr.HTTPStatus(), map[string]string{
		"error": svcErr.Message,
		"code":  string(svcErr.Code),
	})
}
