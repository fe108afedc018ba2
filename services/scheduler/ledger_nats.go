package scheduler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
)

// LedgerBucket is the JetStream key-value bucket holding delivered ids.
const LedgerBucket = "relay_ledger"

// kvBucket is the part of nats.KeyValue the ledger uses.
type kvBucket interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Keys(opts ...nats.WatchOpt) ([]string, error)
	Purge(key string, opts ...nats.DeleteOpt) error
}

// KVLedgerStore keeps ledger entries in a JetStream KV bucket whose TTL
// matches the ledger margin.
type KVLedgerStore struct {
	kv kvBucket
}

func NewKVLedgerStore(kv nats.KeyValue) *KVLedgerStore {
	return &KVLedgerStore{kv: kv}
}

func ledgerKVKey(identifier string, id int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(identifier)) + "." + strconv.FormatInt(id, 10)
}

func parseLedgerKVKey(key string) (string, int64, error) {
	enc, num, ok := strings.Cut(key, ".")
	if !ok {
		return "", 0, fmt.Errorf("ledger key %q has no separator", key)
	}
	ident, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", 0, fmt.Errorf("ledger key %q: %w", key, err)
	}
	id, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("ledger key %q: %w", key, err)
	}
	return string(ident), id, nil
}

func (s *KVLedgerStore) LoadEntries(ctx context.Context) ([]Entry, error) {
	keys, err := s.kv.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list ledger keys: %w", err)
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		identifier, id, err := parseLedgerKVKey(key)
		if err != nil {
			continue
		}
		kve, err := s.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get ledger key %s: %w", key, err)
		}
		var e Entry
		if err := json.Unmarshal(kve.Value(), &e); err != nil {
			continue
		}
		e.Identifier = identifier
		e.NotificationID = id
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *KVLedgerStore) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(ledgerKVKey(e.Identifier, e.NotificationID), data)
	return err
}

func (s *KVLedgerStore) Forget(ctx context.Context, entries []Entry) error {
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.kv.Purge(ledgerKVKey(e.Identifier, e.NotificationID)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
