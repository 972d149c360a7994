package auth

import "context"

// Store persists accounts. Save inserts when the account has no ID and
// otherwise updates only if the stored version still equals a.Version,
// returning ErrVersionConflict when it does not. The returned account
// carries the new version.
type Store interface {
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	FindByUsername(ctx context.Context, username string) (Account, error)
	Save(ctx context.Context, account Account) (Account, error)
	Delete(ctx context.Context, account Account) error
	FindAll(ctx context.Context) ([]Account, error)
	FindByRole(ctx context.Context, role Role) ([]Account, error)
	Search(ctx context.Context, term string, role Role) ([]Account, error)
}
