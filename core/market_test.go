package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"dmarket/core/events"
	"dmarket/core/state"
	"dmarket/crypto"
	"dmarket/native/market"
	"dmarket/native/reputation"
	"dmarket/storage"
)

var testInstance = crypto.InstanceID{0xD1, 0x0A}

type harness struct {
	market   *Market
	recorder *events.Recorder
	logs     *bytes.Buffer
	seller   market.Caller
	carrier  market.Caller
	buyer    market.Caller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := state.Open(storage.NewMemDB(), 0)
	require.NoError(t, err)
	recorder := &events.Recorder{}
	logs := new(bytes.Buffer)
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	m, err := NewMarket(store, testInstance, "dmkt", WithEmitter(recorder), WithLogger(logger))
	require.NoError(t, err)

	caller := func() market.Caller {
		ps, err := crypto.GeneratePrivateState()
		require.NoError(t, err)
		return m.Caller(ps)
	}
	return &harness{
		market:   m,
		recorder: recorder,
		logs:     logs,
		seller:   caller(),
		carrier:  caller(),
		buyer:    caller(),
	}
}

func (h *harness) complete(t *testing.T) [32]byte {
	t.Helper()
	ctx := context.Background()
	m := h.market

	offer, err := m.OfferItem(ctx, h.seller, market.Item{ID: [32]byte{7}, Price: uint256.NewInt(50)}, `{"name":"Ada"}`, "")
	require.NoError(t, err)
	id := offer.ID
	require.NoError(t, m.SetCarrierBid(ctx, h.carrier, id, uint256.NewInt(10), `{"name":"Parcel Co"}`))
	_, err = m.PurchaseItem(ctx, h.buyer, id, h.carrier.Carrier, m.Escrow(uint256.NewInt(60)), "12 Quay Road")
	require.NoError(t, err)
	eta := uint64(1700000000)
	_, err = m.ItemPickedUp(ctx, h.carrier, id, m.Escrow(uint256.NewInt(60)), &eta)
	require.NoError(t, err)
	_, err = m.ConfirmItemInTransit(ctx, h.seller, id)
	require.NoError(t, err)
	_, err = m.SetOfferETA(ctx, h.carrier, id, eta+3600)
	require.NoError(t, err)
	_, err = m.Delivered(ctx, h.carrier, id)
	require.NoError(t, err)
	_, payouts, err := m.ConfirmDelivered(ctx, h.buyer, id)
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	return id
}

func TestMarketLifecycle(t *testing.T) {
	h := newHarness(t)
	id := h.complete(t)

	offer, err := h.market.Offer(id)
	require.NoError(t, err)
	require.Equal(t, market.OfferCompleted, offer.State)
	require.True(t, h.market.Treasury().IsZero())
	require.Equal(t, uint64(8), h.market.Version())
	require.Empty(t, h.market.Bids(id))

	require.Equal(t, []string{
		market.EventTypeOfferCreated,
		market.EventTypeBidSet,
		market.EventTypeOfferPurchased,
		market.EventTypeOfferPickedUp,
		market.EventTypeOfferInTransit,
		market.EventTypeOfferETAUpdated,
		market.EventTypeOfferDelivered,
		market.EventTypeOfferCompleted,
		market.EventTypePayout,
		market.EventTypePayout,
	}, h.recorder.Types())
}

func TestMarketRejectedOperationEmitsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.market.PurchaseItem(ctx, h.buyer, [32]byte{9}, h.carrier.Carrier, h.market.Escrow(uint256.NewInt(1)), "x")
	require.ErrorIs(t, err, market.ErrNotFound)
	require.Empty(t, h.recorder.Types())
	require.Zero(t, h.market.Version())
	require.Contains(t, h.logs.String(), `"kind":"not_found"`)

	_, err = h.market.Offer([32]byte{9})
	require.ErrorIs(t, err, market.ErrNotFound)
}

func TestMarketRateRecordsReputation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.complete(t)

	_, err := h.market.Reputation(h.carrier.Carrier, crypto.RoleCarrier)
	require.ErrorIs(t, err, reputation.ErrScoreNotFound)

	rated, err := h.market.Rate(ctx, h.buyer, id, crypto.RoleCarrier, 200)
	require.NoError(t, err)
	require.NotNil(t, rated)
	require.Contains(t, rated.CarrierRatings[:], uint8(200))
	_, err = h.market.Rate(ctx, h.seller, id, crypto.RoleCarrier, 100)
	require.NoError(t, err)
	_, err = h.market.Rate(ctx, h.carrier, id, crypto.RoleSeller, 90)
	require.NoError(t, err)

	score, err := h.market.Reputation(h.carrier.Carrier, crypto.RoleCarrier)
	require.NoError(t, err)
	require.Equal(t, uint64(300), score.Sum)
	require.Equal(t, uint64(2), score.Count)

	rated, err = h.market.Rate(ctx, h.buyer, id, crypto.RoleCarrier, 1)
	require.ErrorIs(t, err, market.ErrInvalidRating)
	require.Nil(t, rated)
	score, err = h.market.Reputation(h.carrier.Carrier, crypto.RoleCarrier)
	require.NoError(t, err)
	require.Equal(t, uint64(2), score.Count)

	ranking := h.market.Ranking()
	require.Len(t, ranking, 2)
	require.Equal(t, h.carrier.Carrier, ranking[0].Subject)
	require.Equal(t, crypto.RoleCarrier, ranking[0].Role)
	require.Equal(t, h.seller.Seller, ranking[1].Subject)

	types := h.recorder.Types()
	require.Equal(t, reputation.EventTypeScoreUpdated, types[len(types)-1])
}

func TestMarketDeliveryAddress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.market

	offer, err := m.OfferItem(ctx, h.seller, market.Item{ID: [32]byte{3}, Price: uint256.NewInt(5)}, "", "")
	require.NoError(t, err)
	require.NoError(t, m.SetCarrierBid(ctx, h.carrier, offer.ID, uint256.NewInt(1), ""))
	_, err = m.PurchaseItem(ctx, h.buyer, offer.ID, h.carrier.Carrier, m.Escrow(uint256.NewInt(6)), "Flat 4, Mill Lane")
	require.NoError(t, err)

	for _, caller := range []market.Caller{h.carrier, h.seller} {
		address, err := m.DeliveryAddress(ctx, caller, offer.ID)
		require.NoError(t, err)
		require.Equal(t, "Flat 4, Mill Lane", address)
	}
	_, err = m.DeliveryAddress(ctx, h.buyer, offer.ID)
	require.Error(t, err)
	require.NotContains(t, h.logs.String(), "Mill Lane")
}

func TestMarketHonoursCancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.market.OfferItem(ctx, h.seller, market.Item{ID: [32]byte{1}, Price: uint256.NewInt(1)}, "", "")
	require.True(t, errors.Is(err, context.Canceled))
	require.Empty(t, h.market.Snapshot().Offers())
}

func TestOutcome(t *testing.T) {
	require.Equal(t, "conflict", Outcome(state.ErrConflict))
	require.Equal(t, "error", Outcome(io.EOF))
	require.Equal(t, "unauthorized", Outcome(&market.Error{Kind: market.ErrUnauthorized, Message: "no"}))
}
