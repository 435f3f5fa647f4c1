package state

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const dispatchKeyPrefix = "dispatch:"

// DispatchRecord is written once a settlement transaction is signed and
// before it is broadcast, so a restart resends the same bytes.
type DispatchRecord struct {
	StrategyID    string `msgpack:"strategy_id"`
	TxHash        string `msgpack:"tx_hash"`
	RawTx         []byte `msgpack:"raw_tx"`
	Nonce         uint64 `msgpack:"nonce"`
	SubmittedAtMS int64  `msgpack:"submitted_at_ms"`
}

func DispatchKey(nullifier string) string {
	return dispatchKeyPrefix + strings.ToLower(nullifier)
}

func LoadDispatchRecord(ctx context.Context, store Store, nullifier string) (DispatchRecord, bool, error) {
	if store == nil {
		return DispatchRecord{}, false, nil
	}
	raw, ok, err := store.Get(ctx, DispatchKey(nullifier))
	if err != nil {
		return DispatchRecord{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return DispatchRecord{}, false, nil
	}
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return DispatchRecord{}, false, fmt.Errorf("decode dispatch record: %w", err)
	}
	var rec DispatchRecord
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return DispatchRecord{}, false, fmt.Errorf("decode dispatch record: %w", err)
	}
	return rec, true, nil
}

func SaveDispatchRecord(ctx context.Context, store Store, nullifier string, rec DispatchRecord) error {
	if store == nil {
		return errors.New("dispatch journal store is nil")
	}
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}
	return store.Set(ctx, DispatchKey(nullifier), base64.StdEncoding.EncodeToString(payload))
}

func DeleteDispatchRecord(ctx context.Context, store Store, nullifier string) error {
	if store == nil {
		return nil
	}
	return store.Delete(ctx, DispatchKey(nullifier))
}
