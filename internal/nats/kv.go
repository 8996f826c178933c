package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/therepai/companion/internal/model"
	"github.com/therepai/companion/internal/store"
)

// DefaultBucket is the key-value bucket holding thread documents.
const DefaultBucket = "therepai_threads"

// KVBackend stores threads in a JetStream key-value bucket. Each owner has an
// index document ("idx.<owner>") listing {id, title} newest first, and one
// document per thread ("thr.<owner>.<id>").
type KVBackend struct {
	kv jetstream.KeyValue
}

// NewKVBackend opens the bucket, creating it when missing.
func NewKVBackend(ctx context.Context, client *Client, bucket string) (*KVBackend, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	js := client.JetStream()

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "therepAi conversation threads",
			History:     1,
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open key-value bucket: %w", err)
	}

	return &KVBackend{kv: kv}, nil
}

// Name returns the backend name.
func (b *KVBackend) Name() string {
	return "nats"
}

// Load returns every thread listed in the owner's index. Rows whose document
// is gone are stale and skipped. An undecodable index is rebuilt from the
// thread documents; undecodable documents are reported with store.ErrCorrupt.
func (b *KVBackend) Load(ctx context.Context, owner string) ([]*model.Thread, error) {
	index, err := b.readIndex(ctx, owner)
	if errors.Is(err, store.ErrCorrupt) {
		threads, rebuildErr := b.rebuildIndex(ctx, owner)
		return threads, errors.Join(err, rebuildErr)
	}
	if err != nil {
		return nil, err
	}

	var errs []error
	threads := make([]*model.Thread, 0, len(index))
	for _, row := range index {
		t, err := b.readThread(ctx, threadKey(owner, row.ID))
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		threads = append(threads, t)
	}
	return threads, errors.Join(errs...)
}

// Save writes the thread document and updates the index.
func (b *KVBackend) Save(ctx context.Context, thread *model.Thread) error {
	data, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}
	if _, err := b.kv.Put(ctx, threadKey(thread.Owner, thread.ID), data); err != nil {
		return fmt.Errorf("failed to put thread: %w", err)
	}

	index, err := b.readIndex(ctx, thread.Owner)
	if errors.Is(err, store.ErrCorrupt) {
		// The thread document is already written, so the rebuilt index has it.
		_, rebuildErr := b.rebuildIndex(ctx, thread.Owner)
		return errors.Join(err, rebuildErr)
	}
	if err != nil {
		return err
	}

	found := false
	for i := range index {
		if index[i].ID == thread.ID {
			index[i].Title = thread.Title
			found = true
			break
		}
	}
	if !found {
		index = append([]model.IndexEntry{thread.Entry()}, index...)
	}
	return b.writeIndex(ctx, thread.Owner, index)
}

// Delete removes the thread document and its index row.
func (b *KVBackend) Delete(ctx context.Context, owner, id string) error {
	if err := b.kv.Delete(ctx, threadKey(owner, id)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete thread: %w", err)
	}

	index, err := b.readIndex(ctx, owner)
	if errors.Is(err, store.ErrCorrupt) {
		_, rebuildErr := b.rebuildIndex(ctx, owner)
		return errors.Join(err, rebuildErr)
	}
	if err != nil {
		return err
	}

	kept := index[:0]
	for _, row := range index {
		if row.ID != id {
			kept = append(kept, row)
		}
	}
	return b.writeIndex(ctx, owner, kept)
}

func (b *KVBackend) readIndex(ctx context.Context, owner string) ([]model.IndexEntry, error) {
	entry, err := b.kv.Get(ctx, indexKey(owner))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get index: %w", err)
	}

	var index []model.IndexEntry
	if err := json.Unmarshal(entry.Value(), &index); err != nil {
		return nil, fmt.Errorf("%w: index for %s: %v", store.ErrCorrupt, owner, err)
	}
	return index, nil
}

func (b *KVBackend) readThread(ctx context.Context, key string) (*model.Thread, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}

	var t model.Thread
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", store.ErrCorrupt, key, err)
	}
	return &t, nil
}

// rebuildIndex recreates the owner's index from the thread documents in the
// bucket, newest first, and returns the threads it could read.
func (b *KVBackend) rebuildIndex(ctx context.Context, owner string) ([]*model.Thread, error) {
	keys, err := b.kv.Keys(ctx)
	if err != nil && !errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	prefix := "thr." + token(owner) + "."

	var errs []error
	var threads []*model.Thread
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		t, err := b.readThread(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		threads = append(threads, t)
	}
	slices.SortStableFunc(threads, func(x, y *model.Thread) int {
		return y.CreatedAt.Compare(x.CreatedAt)
	})

	index := make([]model.IndexEntry, len(threads))
	for i, t := range threads {
		index[i] = t.Entry()
	}
	if err := b.writeIndex(ctx, owner, index); err != nil {
		errs = append(errs, err)
	}
	return threads, errors.Join(errs...)
}

func (b *KVBackend) writeIndex(ctx context.Context, owner string, index []model.IndexEntry) error {
	if index == nil {
		index = []model.IndexEntry{}
	}
	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	if _, err := b.kv.Put(ctx, indexKey(owner), data); err != nil {
		return fmt.Errorf("failed to put index: %w", err)
	}
	return nil
}

func indexKey(owner string) string {
	return "idx." + token(owner)
}

func threadKey(owner, id string) string {
	return "thr." + token(owner) + "." + token(id)
}

// token encodes s as a single subject or key token. Distinct inputs always
// give distinct tokens.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}
