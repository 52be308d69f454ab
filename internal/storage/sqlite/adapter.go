package sqlite

import (
	"context"
	"database/sql"

	"github.com/relves/socialrecovery/internal/storage"
)

// Ensure AccountStore implements StateStore at compile time.
var _ storage.StateStore = (*AccountStore)(nil)

// GetHead returns the CID of the latest submitted call and the journal size.
func (s *AccountStore) GetHead(ctx context.Context, account string) (string, uint64, error) {
	var treeSize uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(size, 0) FROM tree_state WHERE account = ?`,
		account).Scan(&treeSize)
	if err != nil && err != sql.ErrNoRows {
		return "", 0, err
	}

	var callCID string
	err = s.db.QueryRowContext(ctx,
		`SELECT call_cid FROM submissions WHERE account = ? ORDER BY idx DESC LIMIT 1`,
		account).Scan(&callCID)
	if err != nil && err != sql.ErrNoRows {
		return "", 0, err
	}

	return callCID, treeSize, nil
}
