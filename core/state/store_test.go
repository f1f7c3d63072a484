package state

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"dmarket/crypto"
	"dmarket/native/market"
	"dmarket/storage"
)

var testInstance = crypto.InstanceID{0x01, 0x02}

func newCaller(t *testing.T) market.Caller {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	ps, err := crypto.NewPrivateStateFromKey(&crypto.PrivateKey{PrivateKey: key})
	require.NoError(t, err)
	return market.NewCaller(ps, testInstance)
}

func run(t *testing.T, store *Store, engine *market.Engine, op func(*market.Engine) error) error {
	t.Helper()
	_, err := store.Update(context.Background(), func(tx *Tx) error {
		return op(engine.WithState(tx, nil))
	})
	return err
}

type parties struct {
	seller, carrier, buyer market.Caller
}

func listAndBid(t *testing.T, store *Store, engine *market.Engine, p parties) [32]byte {
	t.Helper()
	var id [32]byte
	require.NoError(t, run(t, store, engine, func(e *market.Engine) error {
		offer, err := e.OfferItem(p.seller, market.Item{ID: [32]byte{0xAB}, Price: uint256.NewInt(50)}, `{"name":"Sam"}`, "")
		if err == nil {
			id = offer.ID
		}
		return err
	}))
	require.NoError(t, run(t, store, engine, func(e *market.Engine) error {
		return e.SetCarrierBid(p.carrier, id, uint256.NewInt(10), `{"name":"Fast Co"}`)
	}))
	return id
}

func TestStoreCommitsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger")
	db, err := storage.NewLevelDB(path)
	require.NoError(t, err)
	store, err := Open(db, 0)
	require.NoError(t, err)

	engine := market.NewEngine(testInstance, "DMKT")
	p := parties{seller: newCaller(t), carrier: newCaller(t), buyer: newCaller(t)}
	id := listAndBid(t, store, engine, p)
	require.NoError(t, run(t, store, engine, func(e *market.Engine) error {
		_, err := e.PurchaseItem(p.buyer, id, p.carrier.Carrier, market.Coin{Color: e.EscrowColor(), Value: uint256.NewInt(60)}, "1 Main St")
		return err
	}))
	require.Equal(t, uint64(3), store.Version())
	require.Equal(t, uint64(60), store.Treasury().Uint64())
	db.Close()

	db, err = storage.NewLevelDB(path)
	require.NoError(t, err)
	defer db.Close()
	reopened, err := Open(db, 0)
	require.NoError(t, err)

	offer, ok := reopened.Offer(id)
	require.True(t, ok)
	require.Equal(t, market.OfferPurchased, offer.State)
	require.Equal(t, p.buyer.Buyer, offer.Purchase.BuyerID)
	require.Empty(t, reopened.Bids(id))
	require.Equal(t, uint64(60), reopened.Treasury().Uint64())
	require.Equal(t, uint64(3), reopened.Version())

	snap := reopened.Snapshot()
	require.NoError(t, snap.CheckConservation())
	require.Equal(t, []market.PartyID{p.seller.Seller}, snap.Sellers())
	require.Equal(t, []market.PartyID{p.carrier.Carrier}, snap.Carriers())

	address, err := engine.WithState(snap, nil).DeliveryAddress(p.carrier, id)
	require.NoError(t, err)
	require.Equal(t, "1 Main St", address)
}

func TestStoreFailedOperationLeavesNoWrites(t *testing.T) {
	store, err := Open(storage.NewMemDB(), 0)
	require.NoError(t, err)
	engine := market.NewEngine(testInstance, "DMKT")
	seller := newCaller(t)

	boom := errors.New("boom")
	err = run(t, store, engine, func(e *market.Engine) error {
		if _, err := e.OfferItem(seller, market.Item{ID: [32]byte{1}, Price: uint256.NewInt(5)}, "", ""); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Zero(t, store.Version())
	require.Empty(t, store.Snapshot().Offers())
	require.Empty(t, store.Snapshot().Sellers())
}

func TestStoreRetriesStaleReads(t *testing.T) {
	store, err := Open(storage.NewMemDB(), 0)
	require.NoError(t, err)
	engine := market.NewEngine(testInstance, "DMKT")
	p := parties{seller: newCaller(t), carrier: newCaller(t), buyer: newCaller(t)}
	rival := newCaller(t)
	id := listAndBid(t, store, engine, p)

	attempts := 0
	_, err = store.Update(context.Background(), func(tx *Tx) error {
		attempts++
		e := engine.WithState(tx, nil)
		if err := e.SetCarrierBid(p.carrier, id, uint256.NewInt(8), ""); err != nil {
			return err
		}
		if attempts == 1 {
			// Another writer bids on the same offer before this one commits.
			require.NoError(t, run(t, store, engine, func(e *market.Engine) error {
				return e.SetCarrierBid(rival, id, uint256.NewInt(9), "")
			}))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)

	bids := store.Bids(id)
	require.Len(t, bids, 2)
	require.Equal(t, uint64(8), bids[p.carrier.Carrier].Fee.Uint64())
	require.Equal(t, uint64(9), bids[rival.Carrier].Fee.Uint64())
}

func TestStoreGivesUpAfterRetries(t *testing.T) {
	store, err := Open(storage.NewMemDB(), 2)
	require.NoError(t, err)
	engine := market.NewEngine(testInstance, "DMKT")
	p := parties{seller: newCaller(t), carrier: newCaller(t), buyer: newCaller(t)}
	rival := newCaller(t)
	id := listAndBid(t, store, engine, p)

	fee := uint64(20)
	_, err = store.Update(context.Background(), func(tx *Tx) error {
		if err := engine.WithState(tx, nil).SetCarrierBid(p.carrier, id, uint256.NewInt(1), ""); err != nil {
			return err
		}
		fee++
		return run(t, store, engine, func(e *market.Engine) error {
			return e.SetCarrierBid(rival, id, uint256.NewInt(fee), "")
		})
	})
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, uint64(10), store.Bids(id)[p.carrier.Carrier].Fee.Uint64())
}

func TestConcurrentPurchasesHaveOneWinner(t *testing.T) {
	store, err := Open(storage.NewMemDB(), 64)
	require.NoError(t, err)
	engine := market.NewEngine(testInstance, "DMKT")
	p := parties{seller: newCaller(t), carrier: newCaller(t)}
	id := listAndBid(t, store, engine, p)

	const buyers = 8
	callers := make([]market.Caller, buyers)
	for i := range callers {
		callers[i] = newCaller(t)
	}
	errs := make([]error, buyers)
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Update(context.Background(), func(tx *Tx) error {
				e := engine.WithState(tx, nil)
				_, err := e.PurchaseItem(callers[i], id, p.carrier.Carrier, market.Coin{Color: e.EscrowColor(), Value: uint256.NewInt(60)}, "addr")
				return err
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, market.ErrInvalidStateTransition)
	}
	require.Equal(t, 1, wins)
	require.Equal(t, uint64(60), store.Treasury().Uint64())
	require.NoError(t, store.Snapshot().CheckConservation())
}

func TestStoreHonoursContext(t *testing.T) {
	store, err := Open(storage.NewMemDB(), 0)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Update(ctx, func(*Tx) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestStoreKV(t *testing.T) {
	store, err := Open(storage.NewMemDB(), 0)
	require.NoError(t, err)

	var out uint64
	ok, err := store.KVGet([]byte("missing"), &out)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.KVPut([]byte("answer"), uint64(42)))
	ok, err = store.KVGet([]byte("answer"), &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), out)

	require.Error(t, store.KVPut(nil, uint64(1)))
}

func TestOpenRejectsForeignSchema(t *testing.T) {
	db := storage.NewMemDB()
	enc, err := rlp.EncodeToBytes(uint64(SchemaVersion + 1))
	require.NoError(t, err)
	require.NoError(t, db.Put(schemaVersionKey, enc))

	_, err = Open(db, 0)
	require.ErrorIs(t, err, ErrSchemaVersionMismatch)

	fresh := storage.NewMemDB()
	_, err = Open(fresh, 0)
	require.NoError(t, err)
	version, ok, err := StoredSchemaVersion(fresh)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, SchemaVersion, version)
}
