// Package txlog keeps a per-account, Merkle-committed journal of recovery
// submissions and the drafts of recovery configs being edited.
package txlog

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/rfc6962"
	"golang.org/x/sync/errgroup"

	"github.com/relves/socialrecovery/internal/storage"
	"github.com/relves/socialrecovery/pkg/recovery"
	"github.com/relves/socialrecovery/pkg/types"
)

// ErrRootMismatch is returned by Verify when the stored root does not match
// the stored leaves.
var ErrRootMismatch = errors.New("journal root mismatch")

// ErrCallIDMismatch is returned by Verify when a stored call ID is malformed
// or the head does not name the latest submission.
var ErrCallIDMismatch = errors.New("journal call id mismatch")

// StateStoreGetterFunc returns the StateStore holding account's state.
type StateStoreGetterFunc func(account string) (storage.StateStore, error)

// JournalConfig configures a Journal.
type JournalConfig struct {
	Stores StateStoreGetterFunc

	// LeafCacheSize bounds how many accounts keep their leaf hashes in memory.
	// Default: 256
	LeafCacheSize int

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// ApplyDefaults sets default values for unset fields.
func (c *JournalConfig) ApplyDefaults() {
	if c.LeafCacheSize <= 0 {
		c.LeafCacheSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Entry is one journaled submission.
type Entry struct {
	Index      uint64                    `json:"index"`
	CallID     string                    `json:"call_id"`
	LeafHash   string                    `json:"leaf_hash"`
	RecordedAt time.Time                 `json:"recorded_at"`
	Record     recovery.SubmissionRecord `json:"record"`
}

// Head commits to an account's journal.
type Head struct {
	Account      types.Address `json:"account"`
	Size         uint64        `json:"size"`
	Root         string        `json:"root"`
	LatestCallID string        `json:"latest_call_id,omitempty"`
}

// Journal implements recovery.Journal.
type Journal struct {
	stores StateStoreGetterFunc
	logger *slog.Logger
	rf     *compact.RangeFactory

	mu     sync.Mutex // serializes appends
	leaves *lru.Cache[string, [][]byte]
}

var _ recovery.Journal = (*Journal)(nil)

// NewJournal creates a Journal.
func NewJournal(cfg JournalConfig) (*Journal, error) {
	cfg.ApplyDefaults()
	if cfg.Stores == nil {
		return nil, fmt.Errorf("stores is required")
	}
	leaves, err := lru.New[string, [][]byte](cfg.LeafCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create leaf cache: %w", err)
	}
	return &Journal{
		stores: cfg.Stores,
		logger: cfg.Logger,
		rf:     &compact.RangeFactory{Hash: rfc6962.DefaultHasher.HashChildren},
		leaves: leaves,
	}, nil
}

// Record appends rec to the journal of rec.Account.
func (j *Journal) Record(ctx context.Context, rec recovery.SubmissionRecord) error {
	account := string(rec.Account)
	store, err := j.stores(account)
	if err != nil {
		return fmt.Errorf("failed to get store for %s: %w", account, err)
	}

	callID, err := CallID(rec.Call)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	leaf := rfc6962.DefaultHasher.HashLeaf(payload)

	j.mu.Lock()
	defer j.mu.Unlock()

	hashes, err := j.leafHashes(ctx, account, store)
	if err != nil {
		return err
	}
	next := make([][]byte, len(hashes), len(hashes)+1)
	copy(next, hashes)
	next = append(next, leaf)

	root, err := j.rootOf(next)
	if err != nil {
		return err
	}

	size := uint64(len(hashes))
	err = store.AppendSubmission(ctx, account, size, storage.Submission{
		Index:      size,
		CallCID:    callID,
		LeafHash:   leaf,
		Payload:    payload,
		RecordedAt: rec.SubmittedAt,
	}, root)
	if err != nil {
		j.leaves.Remove(account)
		return fmt.Errorf("append submission: %w", err)
	}
	j.leaves.Add(account, next)

	j.logger.Debug("journaled submission", "account", account, "index", size, "call_id", callID)
	return nil
}

func (j *Journal) leafHashes(ctx context.Context, account string, store storage.StateStore) ([][]byte, error) {
	if hashes, ok := j.leaves.Get(account); ok {
		return hashes, nil
	}
	hashes, err := store.GetLeafHashes(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to read leaf hashes: %w", err)
	}
	j.leaves.Add(account, hashes)
	return hashes, nil
}

func (j *Journal) rootOf(hashes [][]byte) ([]byte, error) {
	if len(hashes) == 0 {
		return rfc6962.DefaultHasher.EmptyRoot(), nil
	}
	r := j.rf.NewEmptyRange(0)
	for _, h := range hashes {
		if err := r.Append(h, nil); err != nil {
			return nil, fmt.Errorf("append leaf: %w", err)
		}
	}
	return r.GetRootHash(nil)
}

// Entries returns up to limit entries of account's journal from index from.
func (j *Journal) Entries(ctx context.Context, account types.Address, from uint64, limit int) ([]Entry, error) {
	store, err := j.stores(string(account))
	if err != nil {
		return nil, fmt.Errorf("failed to get store for %s: %w", account, err)
	}
	subs, err := store.GetSubmissions(ctx, string(account), from, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read submissions: %w", err)
	}

	entries := make([]Entry, 0, len(subs))
	for _, sub := range subs {
		e := Entry{
			Index:      sub.Index,
			CallID:     sub.CallCID,
			LeafHash:   hex.EncodeToString(sub.LeafHash),
			RecordedAt: sub.RecordedAt,
		}
		if err := json.Unmarshal(sub.Payload, &e.Record); err != nil {
			return nil, fmt.Errorf("decode submission %d: %w", sub.Index, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Head returns the current commitment to account's journal.
func (j *Journal) Head(ctx context.Context, account types.Address) (Head, error) {
	store, err := j.stores(string(account))
	if err != nil {
		return Head{}, fmt.Errorf("failed to get store for %s: %w", account, err)
	}
	callID, size, err := store.GetHead(ctx, string(account))
	if err != nil {
		return Head{}, fmt.Errorf("failed to read head: %w", err)
	}
	_, root, err := store.GetTreeState(ctx, string(account))
	if err != nil {
		return Head{}, fmt.Errorf("failed to read tree state: %w", err)
	}
	if root == nil {
		root = rfc6962.DefaultHasher.EmptyRoot()
	}
	return Head{
		Account:      account,
		Size:         size,
		Root:         hex.EncodeToString(root),
		LatestCallID: callID,
	}, nil
}

// Heads reads the heads of several accounts concurrently.
func (j *Journal) Heads(ctx context.Context, accounts []types.Address) ([]Head, error) {
	heads := make([]Head, len(accounts))
	g := errgroup.Group{}
	for i, account := range accounts {
		g.Go(func() error {
			h, err := j.Head(ctx, account)
			if err != nil {
				return err
			}
			heads[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return heads, nil
}

// Verify recomputes account's root from its stored leaves.
func (j *Journal) Verify(ctx context.Context, account types.Address) error {
	store, err := j.stores(string(account))
	if err != nil {
		return fmt.Errorf("failed to get store for %s: %w", account, err)
	}
	hashes, err := store.GetLeafHashes(ctx, string(account))
	if err != nil {
		return fmt.Errorf("failed to read leaf hashes: %w", err)
	}
	size, stored, err := store.GetTreeState(ctx, string(account))
	if err != nil {
		return fmt.Errorf("failed to read tree state: %w", err)
	}
	if size != uint64(len(hashes)) {
		return fmt.Errorf("%w: size %d, %d leaves", ErrRootMismatch, size, len(hashes))
	}
	root, err := j.rootOf(hashes)
	if err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	if !bytes.Equal(root, stored) {
		return fmt.Errorf("%w: stored %x, computed %x", ErrRootMismatch, stored, root)
	}
	return j.verifyCallIDs(ctx, account, store, size)
}

// verifyCallIDs checks every stored call ID is a JSON-codec CID and the head
// names the latest one.
func (j *Journal) verifyCallIDs(ctx context.Context, account types.Address, store storage.StateStore, size uint64) error {
	subs, err := store.GetSubmissions(ctx, string(account), 0, int(size))
	if err != nil {
		return fmt.Errorf("failed to read submissions: %w", err)
	}
	for _, sub := range subs {
		if _, err := ParseCallID(sub.CallCID); err != nil {
			return fmt.Errorf("%w: submission %d: %v", ErrCallIDMismatch, sub.Index, err)
		}
	}
	callID, _, err := store.GetHead(ctx, string(account))
	if err != nil {
		return fmt.Errorf("failed to read head: %w", err)
	}
	if len(subs) == 0 || subs[len(subs)-1].CallCID != callID {
		return fmt.Errorf("%w: head %q is not the latest submission", ErrCallIDMismatch, callID)
	}
	return nil
}
