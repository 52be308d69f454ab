package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrHeadMismatch = errors.New("head mismatch")
)

// StateStore abstracts per-account state storage.
type StateStore interface {
	// Journal head - reads from tree_state and the latest submission
	GetHead(ctx context.Context, account string) (callCID string, treeSize uint64, err error)

	// Submissions
	// AppendSubmission stores sub at index expectedSize and moves the tree
	// to expectedSize+1 with newRoot. It fails with ErrHeadMismatch when the
	// tree is no longer at expectedSize.
	AppendSubmission(ctx context.Context, account string, expectedSize uint64, sub Submission, newRoot []byte) error
	GetSubmissions(ctx context.Context, account string, from uint64, limit int) ([]Submission, error)
	GetLeafHashes(ctx context.Context, account string) ([][]byte, error)

	// Tree state
	GetTreeState(ctx context.Context, account string) (size uint64, root []byte, err error)

	// Drafts
	GetDraft(ctx context.Context, account string) ([]byte, error)
	SetDraft(ctx context.Context, account string, payload []byte) error
	DeleteDraft(ctx context.Context, account string) error
}

// Submission is one journal row. Payload is the encoded record; LeafHash is
// its Merkle leaf hash.
type Submission struct {
	Index      uint64
	CallCID    string
	LeafHash   []byte
	Payload    []byte
	RecordedAt time.Time
}
