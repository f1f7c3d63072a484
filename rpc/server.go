package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dmarket/core"
	"dmarket/core/events"
	"dmarket/core/state"
	"dmarket/crypto"
	"dmarket/gateway/middleware"
	"dmarket/native/market"
	"dmarket/native/reputation"
)

const maxRequestBytes = 1 << 20

// Config wires the HTTP API to a market.
type Config struct {
	Market *core.Market
	// Operator is the participant the daemon acts as on write endpoints.
	Operator      *crypto.PrivateState
	Broker        *events.Broker
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Logger        *slog.Logger
}

// Server exposes the market over HTTP and streams committed events over a
// websocket.
type Server struct {
	market   *core.Market
	operator market.Caller
	broker   *events.Broker
	logger   *slog.Logger
	handler  http.Handler
}

const (
	rateKeyRead  = "read"
	rateKeyWrite = "write"
)

// NewServer builds the router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Market == nil {
		return nil, errors.New("rpc: market required")
	}
	if cfg.Operator == nil {
		return nil, errors.New("rpc: operator key required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		market:   cfg.Market,
		operator: cfg.Market.Caller(cfg.Operator),
		broker:   cfg.Broker,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		if cfg.Observability != nil {
			v1.Use(cfg.Observability.Middleware("v1"))
		}
		v1.Group(func(read chi.Router) {
			if cfg.RateLimiter != nil {
				read.Use(cfg.RateLimiter.Middleware(rateKeyRead))
			}
			read.Get("/identity", s.handleIdentity)
			read.Get("/state", s.handleState)
			read.Get("/offers", s.handleListOffers)
			read.Get("/offers/{offerID}", s.handleGetOffer)
			read.Get("/ranking", s.handleRanking)
			read.Get("/reputation/{role}/{party}", s.handleReputation)
			read.Get("/events", s.handleEventsWS)
		})
		v1.Group(func(write chi.Router) {
			if cfg.RateLimiter != nil {
				write.Use(cfg.RateLimiter.Middleware(rateKeyWrite))
			}
			if cfg.Authenticator != nil {
				write.Use(cfg.Authenticator.Middleware(middleware.ScopeWrite))
			}
			write.Post("/offers", s.handleOfferItem)
			write.Post("/offers/{offerID}/bids", s.handleSetBid)
			write.Post("/offers/{offerID}/purchase", s.handlePurchase)
			write.Post("/offers/{offerID}/pickup", s.handlePickup)
			write.Post("/offers/{offerID}/transit", s.handleTransit)
			write.Post("/offers/{offerID}/eta", s.handleETA)
			write.Post("/offers/{offerID}/delivered", s.handleDelivered)
			write.Post("/offers/{offerID}/confirm", s.handleConfirm)
			write.Post("/offers/{offerID}/dispute", s.handleDispute)
			write.Post("/offers/{offerID}/resolve", s.handleResolve)
			write.Post("/offers/{offerID}/ratings", s.handleRate)
			write.Get("/offers/{offerID}/address", s.handleAddress)
		})
	})

	s.handler = r
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// RateLimits maps the configured per-minute budget onto the API's route keys.
// Reads get ten times the write budget.
func RateLimits(requestsPerMinute float64, burst int) map[string]middleware.RateLimit {
	return map[string]middleware.RateLimit{
		rateKeyWrite: {RequestsPerMinute: requestsPerMinute, Burst: burst},
		rateKeyRead:  {RequestsPerMinute: requestsPerMinute * 10, Burst: burst * 10},
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func statusFor(err error) int {
	switch kind := market.KindOf(err); {
	case kind == market.ErrNotFound:
		return http.StatusNotFound
	case kind == market.ErrAlreadyExists, kind == market.ErrInvalidStateTransition:
		return http.StatusConflict
	case kind == market.ErrUnauthorized, kind == market.ErrDecryptionFailed:
		return http.StatusForbidden
	case kind == market.ErrInvalidDeposit, kind == market.ErrInvalidRating:
		return http.StatusBadRequest
	case errors.Is(err, state.ErrConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "bad_request"})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("rpc: internal error", slog.String("error", message))
		message = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: message, Kind: core.Outcome(err)})
}

func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func offerIDParam(r *http.Request) ([32]byte, error) {
	return core.ParseOfferID(strings.TrimSpace(chi.URLParam(r, "offerID")))
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	amount, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%s must be a base-10 integer", field)
	}
	return amount, nil
}

func (s *Server) view(offer *market.Offer) core.OfferView {
	snap := s.market.Snapshot()
	return core.NewOfferView(offer, snap.BidsGet(offer.ID), snap.SellerGet)
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, core.NewIdentityView(s.operator, s.market.Instance()))
}

type stateResponse struct {
	Version     uint64 `json:"version"`
	Treasury    string `json:"treasury"`
	Digest      string `json:"digest"`
	EscrowColor string `json:"escrowColor"`
	Offers      int    `json:"offers"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.market.Snapshot()
	digest, err := snap.Digest()
	if err != nil {
		s.writeError(w, err)
		return
	}
	color := s.market.EscrowColor()
	writeJSON(w, http.StatusOK, stateResponse{
		Version:     snap.Version,
		Treasury:    snap.Treasury().Dec(),
		Digest:      hex.EncodeToString(digest[:]),
		EscrowColor: hex.EncodeToString(color[:]),
		Offers:      len(snap.Offers()),
	})
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	filter := strings.TrimSpace(r.URL.Query().Get("state"))
	snap := s.market.Snapshot()
	views := make([]core.OfferView, 0)
	for _, offer := range snap.Offers() {
		if filter != "" && !strings.EqualFold(offer.State.String(), filter) {
			continue
		}
		views = append(views, core.NewOfferView(offer, snap.BidsGet(offer.ID), snap.SellerGet))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	id, err := offerIDParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	offer, err := s.market.Offer(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(offer))
}

func (s *Server) handleRanking(w http.ResponseWriter, r *http.Request) {
	ranking := s.market.Ranking()
	views := make([]core.ScoreView, 0, len(ranking))
	for _, score := range ranking {
		views = append(views, core.NewScoreView(score))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	role, err := crypto.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	party, err := crypto.ParsePartyID(chi.URLParam(r, "party"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	score, err := s.market.Reputation(party, role)
	if errors.Is(err, reputation.ErrScoreNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Kind: "not_found"})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, core.NewScoreView(*score))
}
