package state

import (
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/rlp"

	"dmarket/storage"
)

// SchemaVersion identifies the expected on-disk layout of the market ledger.
// Increment this constant whenever breaking changes are made to the stored
// structure.
const SchemaVersion uint32 = 1

var (
	schemaVersionKey = []byte("market/schema")
	// ErrSchemaVersionMismatch indicates the stored schema version does not
	// match the version supported by the current binary.
	ErrSchemaVersionMismatch = errors.New("state: schema version mismatch")
)

// StoredSchemaVersion returns the schema version recorded in db and whether
// one was present.
func StoredSchemaVersion(db storage.Database) (uint32, bool, error) {
	data, err := db.Get(schemaVersionKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var stored uint64
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return 0, false, err
	}
	if stored > uint64(math.MaxUint32) {
		return 0, false, fmt.Errorf("state: schema version overflow: %d", stored)
	}
	return uint32(stored), true, nil
}

// ensureSchemaVersion stamps a fresh database with SchemaVersion and rejects
// databases written by an incompatible binary.
func ensureSchemaVersion(db storage.Database) error {
	version, ok, err := StoredSchemaVersion(db)
	if err != nil {
		return err
	}
	if !ok {
		enc, err := rlp.EncodeToBytes(uint64(SchemaVersion))
		if err != nil {
			return err
		}
		return db.Put(schemaVersionKey, enc)
	}
	if version != SchemaVersion {
		return fmt.Errorf("%w: on-disk=%d expected=%d", ErrSchemaVersionMismatch, version, SchemaVersion)
	}
	return nil
}
