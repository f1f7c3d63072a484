package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dmarket/core/events"
	"dmarket/core/state"
	"dmarket/crypto"
	"dmarket/native/market"
	"dmarket/native/reputation"
	"dmarket/observability/logging"
	"dmarket/observability/metrics"
)

// Market runs lifecycle operations against the committed ledger. Every
// operation executes in its own store transaction; events reach the emitter
// only once the transaction has committed.
type Market struct {
	store      *state.Store
	engine     *market.Engine
	reputation *reputation.Engine
	emitter    events.Emitter
	logger     *slog.Logger
	metrics    *metrics.MarketMetrics
	tracer     trace.Tracer
}

// Option customises a Market.
type Option func(*Market)

// WithEmitter sets the destination of committed events.
func WithEmitter(emitter events.Emitter) Option {
	return func(m *Market) {
		if emitter != nil {
			m.emitter = emitter
		}
	}
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Market) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics overrides the metrics registry. Passing nil disables metrics.
func WithMetrics(registry *metrics.MarketMetrics) Option {
	return func(m *Market) { m.metrics = registry }
}

// WithTracer overrides the tracer used for operation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Market) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// NewMarket binds a market instance escrowing token to the given store.
func NewMarket(store *state.Store, instance crypto.InstanceID, token string, opts ...Option) (*Market, error) {
	if store == nil {
		return nil, fmt.Errorf("market: store required")
	}
	m := &Market{
		store:   store,
		engine:  market.NewEngine(instance, token),
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		metrics: metrics.Market(),
		tracer:  otel.Tracer("dmarket/market"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.reputation = reputation.NewEngine(store)
	m.reputation.SetEmitter(m.emitter)
	m.metrics.SetLedger(store.Treasury(), store.Version())
	return m, nil
}

// Instance returns the market instance identifier.
func (m *Market) Instance() crypto.InstanceID { return m.engine.Instance() }

// EscrowColor returns the color deposits must carry.
func (m *Market) EscrowColor() [32]byte { return m.engine.EscrowColor() }

// Escrow wraps amount into a coin of the escrow color.
func (m *Market) Escrow(amount *uint256.Int) market.Coin {
	return market.Coin{Color: m.engine.EscrowColor(), Value: amount}
}

// Caller derives the caller context for ps on this instance.
func (m *Market) Caller(ps *crypto.PrivateState) market.Caller {
	return market.NewCaller(ps, m.engine.Instance())
}

// Outcome classifies err for metrics, logs and API responses.
func Outcome(err error) string {
	switch kind := market.KindOf(err); {
	case kind == market.ErrNotFound:
		return "not_found"
	case kind == market.ErrAlreadyExists:
		return "already_exists"
	case kind == market.ErrUnauthorized:
		return "unauthorized"
	case kind == market.ErrInvalidStateTransition:
		return "invalid_state"
	case kind == market.ErrInvalidDeposit:
		return "invalid_deposit"
	case kind == market.ErrInvalidRating:
		return "invalid_rating"
	case kind == market.ErrDecryptionFailed:
		return "decryption_failed"
	case errors.Is(err, state.ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// execute runs op in a store transaction. Events raised by attempts that lose
// a commit race are discarded with the attempt.
func (m *Market) execute(ctx context.Context, op string, offerID [32]byte, fn func(*market.Engine) error) error {
	ctx, span := m.tracer.Start(ctx, "market."+op,
		trace.WithAttributes(attribute.String("market.offer", fmt.Sprintf("%x", offerID))))
	defer span.End()

	start := time.Now()
	buffer := new(events.Buffer)
	attempts := 0
	tx, err := m.store.Update(ctx, func(tx *state.Tx) error {
		attempts++
		buffer.Reset()
		return fn(m.engine.WithState(tx, buffer))
	})
	m.metrics.AddRetries(op, attempts-1)
	span.SetAttributes(attribute.Int("market.attempts", attempts))

	if err != nil {
		outcome := Outcome(err)
		m.metrics.ObserveOperation(op, outcome, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		m.logger.Warn("market operation rejected",
			logging.MaskField("operation", op),
			logging.MaskField("offer", fmt.Sprintf("%x", offerID)),
			logging.MaskField("kind", outcome),
			slog.String("error", err.Error()))
		return err
	}

	m.metrics.ObserveOperation(op, "ok", time.Since(start))
	version := m.store.Version()
	m.metrics.SetLedger(m.store.Treasury(), version)
	buffer.Flush(m.emitter)
	m.logger.Info("market operation committed",
		logging.MaskField("operation", op),
		logging.MaskField("offer", fmt.Sprintf("%x", offerID)),
		logging.MaskField("tx", tx.ID.String()),
		slog.Uint64("version", version))
	return nil
}

// OfferItem lists item on behalf of the caller acting as seller.
func (m *Market) OfferItem(ctx context.Context, caller market.Caller, item market.Item, sellerMeta, offerMeta string) (*market.Offer, error) {
	var offer *market.Offer
	id := market.ComputeOfferID(caller.Seller, item.ID, item.Price)
	err := m.execute(ctx, "offer_item", id, func(e *market.Engine) error {
		var err error
		offer, err = e.OfferItem(caller, item, sellerMeta, offerMeta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// SetCarrierBid places or replaces the caller's delivery bid.
func (m *Market) SetCarrierBid(ctx context.Context, caller market.Caller, offerID [32]byte, fee *uint256.Int, carrierMeta string) error {
	return m.execute(ctx, "set_carrier_bid", offerID, func(e *market.Engine) error {
		return e.SetCarrierBid(caller, offerID, fee, carrierMeta)
	})
}

// PurchaseItem buys the offer with carrierID as the selected carrier.
func (m *Market) PurchaseItem(ctx context.Context, caller market.Caller, offerID [32]byte, carrierID crypto.PartyID, deposit market.Coin, deliveryAddress string) (*market.Offer, error) {
	return m.offerOp(ctx, "purchase_item", offerID, func(e *market.Engine) (*market.Offer, error) {
		return e.PurchaseItem(caller, offerID, carrierID, deposit, deliveryAddress)
	})
}

// ItemPickedUp records the pickup together with the carrier's deposit.
func (m *Market) ItemPickedUp(ctx context.Context, caller market.Caller, offerID [32]byte, deposit market.Coin, eta *uint64) (*market.Offer, error) {
	return m.offerOp(ctx, "item_picked_up", offerID, func(e *market.Engine) (*market.Offer, error) {
		return e.ItemPickedUp(caller, offerID, deposit, eta)
	})
}

// ConfirmItemInTransit moves a picked up offer in transit.
func (m *Market) ConfirmItemInTransit(ctx context.Context, caller market.Caller, offerID [32]byte) (*market.Offer, error) {
	return m.offerOp(ctx, "confirm_in_transit", offerID, func(e *market.Engine) (*market.Offer, error) {
		return e.ConfirmItemInTransit(caller, offerID)
	})
}

// SetOfferETA updates the estimated delivery time.
func (m *Market) SetOfferETA(ctx context.Context, caller market.Caller, offerID [32]byte, eta uint64) (*market.Offer, error) {
	return m.offerOp(ctx, "set_offer_eta", offerID, func(e *market.Engine) (*market.Offer, error) {
		return e.SetOfferETA(caller, offerID, eta)
	})
}

// Delivered marks the offer delivered.
func (m *Market) Delivered(ctx context.Context, caller market.Caller, offerID [32]byte) (*market.Offer, error) {
	return m.offerOp(ctx, "delivered", offerID, func(e *market.Engine) (*market.Offer, error) {
		return e.Delivered(caller, offerID)
	})
}

// ConfirmDelivered completes the offer and releases the escrow.
func (m *Market) ConfirmDelivered(ctx context.Context, caller market.Caller, offerID [32]byte) (*market.Offer, []market.Payout, error) {
	return m.settleOp(ctx, "confirm_delivered", offerID, func(e *market.Engine) (*market.Offer, []market.Payout, error) {
		return e.ConfirmDelivered(caller, offerID)
	})
}

// DisputeItem raises a dispute on a delivered offer.
func (m *Market) DisputeItem(ctx context.Context, caller market.Caller, offerID [32]byte) (*market.Offer, error) {
	return m.offerOp(ctx, "dispute_item", offerID, func(e *market.Engine) (*market.Offer, error) {
		return e.DisputeItem(caller, offerID)
	})
}

// ResolveDispute refunds both deposits of a disputed offer.
func (m *Market) ResolveDispute(ctx context.Context, caller market.Caller, offerID [32]byte) (*market.Offer, []market.Payout, error) {
	return m.settleOp(ctx, "resolve_dispute", offerID, func(e *market.Engine) (*market.Offer, []market.Payout, error) {
		return e.ResolveDispute(caller, offerID)
	})
}

// Rate records the caller's rating of ratee and folds it into the ratee's
// running reputation score.
func (m *Market) Rate(ctx context.Context, caller market.Caller, offerID [32]byte, ratee crypto.Role, rating uint64) (*market.Offer, error) {
	var rater crypto.Role
	offer, err := m.offerOp(ctx, "rate", offerID, func(e *market.Engine) (*market.Offer, error) {
		offer, err := e.Rate(caller, offerID, ratee, rating)
		if err != nil {
			return nil, err
		}
		rater, err = market.RaterOf(caller, offer, ratee)
		if err != nil {
			return nil, err
		}
		return offer, nil
	})
	if err != nil {
		return nil, err
	}
	_, err = m.reputation.Record(reputation.Rating{
		OfferID: offerID,
		Subject: offer.Party(ratee),
		Ratee:   ratee,
		Rater:   rater,
		Value:   uint8(rating),
	})
	if err != nil {
		m.logger.Warn("reputation update failed",
			logging.MaskField("offer", fmt.Sprintf("%x", offerID)),
			slog.String("error", err.Error()))
	}
	return offer, nil
}

func (m *Market) offerOp(ctx context.Context, op string, offerID [32]byte, fn func(*market.Engine) (*market.Offer, error)) (*market.Offer, error) {
	var offer *market.Offer
	err := m.execute(ctx, op, offerID, func(e *market.Engine) error {
		var err error
		offer, err = fn(e)
		return err
	})
	if err != nil {
		return nil, err
	}
	return offer, nil
}

func (m *Market) settleOp(ctx context.Context, op string, offerID [32]byte, fn func(*market.Engine) (*market.Offer, []market.Payout, error)) (*market.Offer, []market.Payout, error) {
	var (
		offer   *market.Offer
		payouts []market.Payout
	)
	err := m.execute(ctx, op, offerID, func(e *market.Engine) error {
		var err error
		offer, payouts, err = fn(e)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return offer, payouts, nil
}

// DeliveryAddress opens the sealed delivery address of a purchased offer for
// the selected carrier or the seller.
func (m *Market) DeliveryAddress(ctx context.Context, caller market.Caller, offerID [32]byte) (string, error) {
	_, span := m.tracer.Start(ctx, "market.delivery_address")
	defer span.End()
	start := time.Now()
	address, err := m.engine.WithState(m.store.Snapshot(), nil).DeliveryAddress(caller, offerID)
	if err != nil {
		outcome := Outcome(err)
		m.metrics.ObserveOperation("delivery_address", outcome, time.Since(start))
		span.SetStatus(codes.Error, outcome)
		return "", err
	}
	m.metrics.ObserveOperation("delivery_address", "ok", time.Since(start))
	return address, nil
}

// Snapshot returns a deep copy of the committed market.
func (m *Market) Snapshot() *market.Snapshot { return m.store.Snapshot() }

// Offer returns the committed offer.
func (m *Market) Offer(offerID [32]byte) (*market.Offer, error) {
	offer, ok := m.store.Offer(offerID)
	if !ok {
		return nil, &market.Error{Kind: market.ErrNotFound, Message: "Offer not found"}
	}
	return offer, nil
}

// Bids returns the outstanding bids of an offer.
func (m *Market) Bids(offerID [32]byte) map[crypto.PartyID]*market.Bid {
	return m.store.Bids(offerID)
}

// Treasury returns the escrow currently held.
func (m *Market) Treasury() *uint256.Int { return m.store.Treasury() }

// Version returns the number of committed transactions.
func (m *Market) Version() uint64 { return m.store.Version() }

// Reputation returns the running score of subject in role.
func (m *Market) Reputation(subject crypto.PartyID, role crypto.Role) (*reputation.Score, error) {
	return m.reputation.Get(subject, role)
}

// Ranking recomputes every participant's score from the committed offers and
// orders them best first.
func (m *Market) Ranking() []reputation.Score {
	return reputation.Aggregate(m.store.Snapshot().Offers())
}
