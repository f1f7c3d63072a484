package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"dmarket/core"
	"dmarket/crypto"
	"dmarket/native/market"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseAmount(flagName, raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("--%s is required", flagName)
	}
	amount, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("--%s must be a base-10 integer", flagName)
	}
	return amount, nil
}

// parseItemID accepts a 32 byte hex id or hashes any other label into one.
func parseItemID(raw string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return id, fmt.Errorf("--item is required")
	}
	if decoded, err := hex.DecodeString(strings.TrimPrefix(trimmed, "0x")); err == nil && len(decoded) == len(id) {
		copy(id[:], decoded)
		return id, nil
	}
	return ethcrypto.Keccak256Hash([]byte(trimmed)), nil
}

func requireOffer(raw string) ([32]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return [32]byte{}, fmt.Errorf("--offer is required")
	}
	return core.ParseOfferID(raw)
}

// offerCommand parses the common --offer flag and runs fn as the keystore
// holder.
func offerCommand(ctx context.Context, s *session, name string, args []string, stdout, stderr io.Writer,
	fn func(ctx context.Context, caller market.Caller, id [32]byte) (interface{}, error)) int {
	fs := newFlagSet(name, stderr)
	offer := fs.String("offer", "", "offer id (hex)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := requireOffer(*offer)
	if err != nil {
		return printError(stderr, err)
	}
	ps, err := s.caller()
	if err != nil {
		return printError(stderr, err)
	}
	result, err := fn(ctx, s.market.Caller(ps), id)
	if err != nil {
		return printError(stderr, err)
	}
	return printJSON(stdout, result)
}

func (s *session) view(offer *market.Offer) core.OfferView {
	snap := s.market.Snapshot()
	return core.NewOfferView(offer, snap.BidsGet(offer.ID), snap.SellerGet)
}

type settlement struct {
	Offer   core.OfferView `json:"offer"`
	Payouts []payoutView   `json:"payouts"`
}

type payoutView struct {
	Recipient string `json:"recipient"`
	Role      string `json:"role"`
	Amount    string `json:"amount"`
}

func (s *session) settlement(offer *market.Offer, payouts []market.Payout) settlement {
	out := settlement{Offer: s.view(offer)}
	for _, p := range payouts {
		out.Payouts = append(out.Payouts, payoutView{Recipient: p.Recipient.String(), Role: p.Role.String(), Amount: p.Amount.Dec()})
	}
	return out
}

func runIdentity(_ context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	if err := newFlagSet("identity", stderr).Parse(args); err != nil {
		return 1
	}
	ps, err := s.caller()
	if err != nil {
		return printError(stderr, err)
	}
	return printJSON(stdout, core.NewIdentityView(s.market.Caller(ps), s.market.Instance()))
}

func runOffer(ctx context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("offer", stderr)
	var item, price, itemMeta, sellerMeta, meta string
	fs.StringVar(&item, "item", "", "item id (32 byte hex) or a label hashed into one")
	fs.StringVar(&price, "price", "", "item price in escrow token units")
	fs.StringVar(&itemMeta, "item-meta", "", "item metadata")
	fs.StringVar(&sellerMeta, "seller-meta", "", `seller metadata, e.g. {"name":"Ada"}`)
	fs.StringVar(&meta, "meta", "", "offer metadata")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	itemID, err := parseItemID(item)
	if err != nil {
		return printError(stderr, err)
	}
	amount, err := parseAmount("price", price)
	if err != nil {
		return printError(stderr, err)
	}
	ps, err := s.caller()
	if err != nil {
		return printError(stderr, err)
	}
	offer, err := s.market.OfferItem(ctx, s.market.Caller(ps), market.Item{ID: itemID, Price: amount, Meta: itemMeta}, sellerMeta, meta)
	if err != nil {
		return printError(stderr, err)
	}
	return printJSON(stdout, s.view(offer))
}

func runBid(ctx context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("bid", stderr)
	var offerRaw, fee, meta string
	fs.StringVar(&offerRaw, "offer", "", "offer id (hex)")
	fs.StringVar(&fee, "fee", "", "delivery fee in escrow token units")
	fs.StringVar(&meta, "meta", "", `carrier metadata, e.g. {"name":"Parcel Co"}`)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := requireOffer(offerRaw)
	if err != nil {
		return printError(stderr, err)
	}
	amount, err := parseAmount("fee", fee)
	if err != nil {
		return printError(stderr, err)
	}
	ps, err := s.caller()
	if err != nil {
		return printError(stderr, err)
	}
	if err := s.market.SetCarrierBid(ctx, s.market.Caller(ps), id, amount, meta); err != nil {
		return printError(stderr, err)
	}
	offer, err := s.market.Offer(id)
	if err != nil {
		return printError(stderr, err)
	}
	return printJSON(stdout, s.view(offer))
}

func runPurchase(ctx context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("purchase", stderr)
	var offerRaw, carrierRaw, address, deposit string
	fs.StringVar(&offerRaw, "offer", "", "offer id (hex)")
	fs.StringVar(&carrierRaw, "carrier", "", "carrier id of the selected bid")
	fs.StringVar(&address, "address", "", "delivery address, sealed for the seller and carrier")
	fs.StringVar(&deposit, "deposit", "", "escrow deposit (defaults to price plus the selected fee)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := requireOffer(offerRaw)
	if err != nil {
		return printError(stderr, err)
	}
	if strings.TrimSpace(carrierRaw) == "" {
		return printError(stderr, fmt.Errorf("--carrier is required"))
	}
	carrier, err := crypto.ParsePartyID(carrierRaw)
	if err != nil {
		return printError(stderr, err)
	}
	var amount *uint256.Int
	if deposit != "" {
		if amount, err = parseAmount("deposit", deposit); err != nil {
			return printError(stderr, err)
		}
	} else {
		amount = uint256.NewInt(0)
		if offer, err := s.market.Offer(id); err == nil {
			amount.Set(offer.Item.Price)
		}
		if bid, ok := s.market.Bids(id)[carrier]; ok {
			amount.Add(amount, bid.Fee)
		}
	}
	ps, err := s.caller()
	if err != nil {
		return printError(stderr, err)
	}
	offer, err := s.market.PurchaseItem(ctx, s.market.Caller(ps), id, carrier, s.market.Escrow(amount), address)
	if err != nil {
		return printError(stderr, err)
	}
	return printJSON(stdout, s.view(offer))
}

func runPickup(ctx context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("pickup", stderr)
	var offerRaw, etaRaw, deposit string
	fs.StringVar(&offerRaw, "offer", "", "offer id (hex)")
	fs.StringVar(&etaRaw, "eta", "", "optional initial delivery estimate (unix seconds)")
	fs.StringVar(&deposit, "deposit", "", "carrier deposit (defaults to the buyer's deposit)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := requireOffer(offerRaw)
	if err != nil {
		return printError(stderr, err)
	}
	var eta *uint64
	if etaRaw != "" {
		value, err := strconv.ParseUint(etaRaw, 10, 64)
		if err != nil {
			return printError(stderr, fmt.Errorf("--eta must be unix seconds"))
		}
		eta = &value
	}
	var amount *uint256.Int
	if deposit != "" {
		if amount, err = parseAmount("deposit", deposit); err != nil {
			return printError(stderr, err)
		}
	} else {
		offer, err := s.market.Offer(id)
		if err != nil {
			return printError(stderr, err)
		}
		amount = offer.Deposit()
	}
	ps, err := s.caller()
	if err != nil {
		return printError(stderr, err)
	}
	offer, err := s.market.ItemPickedUp(ctx, s.market.Caller(ps), id, s.market.Escrow(amount), eta)
	if err != nil {
		return printError(stderr, err)
	}
	return printJSON(stdout, s.view(offer))
}

func runTransit(ctx context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	return offerCommand(ctx, s, "transit", args, stdout, stderr, func(ctx context.Context, caller market.Caller, id [32]byte) (interface{}, error) {
		offer, err := s.market.ConfirmItemInTransit(ctx, caller, id)
		if err != nil {
			return nil, err
		}
		return s.view(offer), nil
	})
}

func runETA(ctx context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("eta", stderr)
	offerRaw := fs.String("offer", "", "offer id (hex)")
	eta := fs.Uint64("eta", 0, "delivery estimate (unix seconds)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := requireOffer(*offerRaw)
	if err != nil {
		return printError(stderr, err)
	}
	ps, err := s.caller()
	if err != nil {
		return printError(stderr, err)
	}
	offer, err := s.market.SetOfferETA(ctx, s.market.Caller(ps), id, *eta)
	if err != nil {
		return printError(stderr, err)
	}
	return printJSON(stdout, s.view(offer))
}

func runDelivered(ctx context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	return offerCommand(ctx, s, "delivered", args, stdout, stderr, func(ctx context.Context, caller market.Caller, id [32]byte) (interface{}, error) {
		offer, err := s.market.Delivered(ctx, caller, id)
		if err != nil {
			return nil, err
		}
		return s.view(offer), nil
	})
}

func runConfirm(ctx context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	return offerCommand(ctx, s, "confirm", args, stdout, stderr, func(ctx context.Context, caller market.Caller, id [32]byte) (interface{}, error) {
		offer, payouts, err := s.market.ConfirmDelivered(ctx, caller, id)
		if err != nil {
			return nil, err
		}
		return s.settlement(offer, payouts), nil
	})
}

func runDispute(ctx context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	return offerCommand(ctx, s, "dispute", args, stdout, stderr, func(ctx context.Context, caller market.Caller, id [32]byte) (interface{}, error) {
		offer, err := s.market.DisputeItem(ctx, caller, id)
		if err != nil {
			return nil, err
		}
		return s.view(offer), nil
	})
}

func runResolve(ctx context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	return offerCommand(ctx, s, "resolve", args, stdout, stderr, func(ctx context.Context, caller market.Caller, id [32]byte) (interface{}, error) {
		offer, payouts, err := s.market.ResolveDispute(ctx, caller, id)
		if err != nil {
			return nil, err
		}
		return s.settlement(offer, payouts), nil
	})
}

func runRate(ctx context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("rate", stderr)
	offerRaw := fs.String("offer", "", "offer id (hex)")
	roleRaw := fs.String("role", "", "role of the participant to rate: seller, carrier or buyer")
	rating := fs.Uint64("rating", 0, "rating between 1 and 255")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := requireOffer(*offerRaw)
	if err != nil {
		return printError(stderr, err)
	}
	role, err := crypto.ParseRole(strings.ToLower(strings.TrimSpace(*roleRaw)))
	if err != nil {
		return printError(stderr, err)
	}
	ps, err := s.caller()
	if err != nil {
		return printError(stderr, err)
	}
	offer, err := s.market.Rate(ctx, s.market.Caller(ps), id, role, *rating)
	if err != nil {
		return printError(stderr, err)
	}
	return printJSON(stdout, s.view(offer))
}

func runAddress(ctx context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	return offerCommand(ctx, s, "address", args, stdout, stderr, func(ctx context.Context, caller market.Caller, id [32]byte) (interface{}, error) {
		address, err := s.market.DeliveryAddress(ctx, caller, id)
		if err != nil {
			return nil, err
		}
		return map[string]string{"offer": hex.EncodeToString(id[:]), "address": address}, nil
	})
}

func runShow(_ context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("show", stderr)
	offerRaw := fs.String("offer", "", "offer id (hex)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := requireOffer(*offerRaw)
	if err != nil {
		return printError(stderr, err)
	}
	offer, err := s.market.Offer(id)
	if err != nil {
		return printError(stderr, err)
	}
	return printJSON(stdout, s.view(offer))
}

func runOffers(_ context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("offers", stderr)
	stateFilter := fs.String("state", "", "only list offers in this state, e.g. Offered")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	snap := s.market.Snapshot()
	views := make([]core.OfferView, 0)
	for _, offer := range snap.Offers() {
		if *stateFilter != "" && !strings.EqualFold(offer.State.String(), *stateFilter) {
			continue
		}
		views = append(views, core.NewOfferView(offer, snap.BidsGet(offer.ID), snap.SellerGet))
	}
	return printJSON(stdout, views)
}

func runRank(_ context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	if err := newFlagSet("rank", stderr).Parse(args); err != nil {
		return 1
	}
	ranking := s.market.Ranking()
	views := make([]core.ScoreView, 0, len(ranking))
	for _, score := range ranking {
		views = append(views, core.NewScoreView(score))
	}
	return printJSON(stdout, views)
}

func runScore(_ context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("score", stderr)
	subject := fs.String("id", "", "participant id")
	roleRaw := fs.String("role", "", "seller, carrier or buyer")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := crypto.ParsePartyID(strings.TrimSpace(*subject))
	if err != nil {
		return printError(stderr, err)
	}
	role, err := crypto.ParseRole(strings.ToLower(strings.TrimSpace(*roleRaw)))
	if err != nil {
		return printError(stderr, err)
	}
	score, err := s.market.Reputation(id, role)
	if err != nil {
		return printError(stderr, err)
	}
	return printJSON(stdout, core.NewScoreView(*score))
}

func runDigest(_ context.Context, s *session, args []string, stdout, stderr io.Writer) int {
	if err := newFlagSet("digest", stderr).Parse(args); err != nil {
		return 1
	}
	snap := s.market.Snapshot()
	digest, err := snap.Digest()
	if err != nil {
		return printError(stderr, err)
	}
	return printJSON(stdout, map[string]interface{}{
		"version":  snap.Version,
		"treasury": snap.Treasury().Dec(),
		"digest":   hex.EncodeToString(digest[:]),
	})
}
