package rpc

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/holiman/uint256"

	"dmarket/crypto"
	"dmarket/native/market"
)

type offerItemRequest struct {
	ItemID     string `json:"itemId"`
	Price      string `json:"price"`
	ItemMeta   string `json:"itemMeta"`
	SellerMeta string `json:"sellerMeta"`
	Meta       string `json:"meta"`
}

type bidRequest struct {
	Fee  string `json:"fee"`
	Meta string `json:"meta"`
}

type purchaseRequest struct {
	Carrier string `json:"carrier"`
	Deposit string `json:"deposit"`
	Address string `json:"address"`
}

type pickupRequest struct {
	Deposit string  `json:"deposit"`
	ETA     *uint64 `json:"eta"`
}

type etaRequest struct {
	ETA uint64 `json:"eta"`
}

type rateRequest struct {
	Role   string `json:"role"`
	Rating uint64 `json:"rating"`
}

type payoutResponse struct {
	Recipient string `json:"recipient"`
	Role      string `json:"role"`
	Amount    string `json:"amount"`
}

type settlementResponse struct {
	Offer   interface{}      `json:"offer"`
	Payouts []payoutResponse `json:"payouts"`
}

func (s *Server) handleOfferItem(w http.ResponseWriter, r *http.Request) {
	var req offerItemRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	raw, err := hex.DecodeString(trimHexPrefix(req.ItemID))
	if err != nil || len(raw) != 32 {
		writeBadRequest(w, errors.New("itemId must be 32 bytes of hex"))
		return
	}
	price, err := parseAmount("price", req.Price)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var itemID [32]byte
	copy(itemID[:], raw)
	offer, err := s.market.OfferItem(r.Context(), s.operator, market.Item{ID: itemID, Price: price, Meta: req.ItemMeta}, req.SellerMeta, req.Meta)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(offer))
}

func (s *Server) handleSetBid(w http.ResponseWriter, r *http.Request) {
	id, err := offerIDParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req bidRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	fee, err := parseAmount("fee", req.Fee)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.market.SetCarrierBid(r.Context(), s.operator, id, fee, req.Meta); err != nil {
		s.writeError(w, err)
		return
	}
	offer, err := s.market.Offer(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(offer))
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	id, err := offerIDParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req purchaseRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	carrier, err := crypto.ParsePartyID(req.Carrier)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	deposit, err := parseAmount("deposit", req.Deposit)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	offer, err := s.market.PurchaseItem(r.Context(), s.operator, id, carrier, s.market.Escrow(deposit), req.Address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(offer))
}

func (s *Server) handlePickup(w http.ResponseWriter, r *http.Request) {
	id, err := offerIDParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req pickupRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	deposit, err := parseAmount("deposit", req.Deposit)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	offer, err := s.market.ItemPickedUp(r.Context(), s.operator, id, s.market.Escrow(deposit), req.ETA)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(offer))
}

func (s *Server) handleETA(w http.ResponseWriter, r *http.Request) {
	var req etaRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	s.transition(w, r, func(ctx context.Context, id [32]byte) (*market.Offer, error) {
		return s.market.SetOfferETA(ctx, s.operator, id, req.ETA)
	})
}

func (s *Server) handleTransit(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(ctx context.Context, id [32]byte) (*market.Offer, error) {
		return s.market.ConfirmItemInTransit(ctx, s.operator, id)
	})
}

func (s *Server) handleDelivered(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(ctx context.Context, id [32]byte) (*market.Offer, error) {
		return s.market.Delivered(ctx, s.operator, id)
	})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(ctx context.Context, id [32]byte) (*market.Offer, error) {
		return s.market.DisputeItem(ctx, s.operator, id)
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, func(ctx context.Context, id [32]byte) (*market.Offer, []market.Payout, error) {
		return s.market.ConfirmDelivered(ctx, s.operator, id)
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, func(ctx context.Context, id [32]byte) (*market.Offer, []market.Payout, error) {
		return s.market.ResolveDispute(ctx, s.operator, id)
	})
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	role, err := crypto.ParseRole(req.Role)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.transition(w, r, func(ctx context.Context, id [32]byte) (*market.Offer, error) {
		return s.market.Rate(ctx, s.operator, id, role, req.Rating)
	})
}

func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request) {
	id, err := offerIDParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	address, err := s.market.DeliveryAddress(r.Context(), s.operator, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"offer": hex.EncodeToString(id[:]), "address": address})
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, [32]byte) (*market.Offer, error)) {
	id, err := offerIDParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	offer, err := fn(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(offer))
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request, fn func(context.Context, [32]byte) (*market.Offer, []market.Payout, error)) {
	id, err := offerIDParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	offer, payouts, err := fn(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := settlementResponse{Offer: s.view(offer), Payouts: make([]payoutResponse, 0, len(payouts))}
	for _, p := range payouts {
		amount := p.Amount
		if amount == nil {
			amount = uint256.NewInt(0)
		}
		resp.Payouts = append(resp.Payouts, payoutResponse{Recipient: p.Recipient.String(), Role: p.Role.String(), Amount: amount.Dec()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
