package rewards

import (
	"context"

	"github.com/shopspring/decimal"
)

// TreeStore reads the materialized referral tree. Paths are returned ordered
// by level ascending, level 1 being the direct sponsor.
type TreeStore interface {
	AncestorPath(ctx context.Context, userID string) ([]AncestorEdge, error)
	DirectReferrals(ctx context.Context, sponsorID string) ([]string, error)
	HasLockedSponsor(ctx context.Context, userID string) (bool, error)
}

type TreeBuilder interface {
	Rebuild(ctx context.Context, userID string) error
}

// BadgeStore returns raw badge names as recorded by the purchase flow.
// Users without a badge map to "".
type BadgeStore interface {
	CurrentBadge(ctx context.Context, userID string) (string, error)
	CurrentBadges(ctx context.Context, userIDs []string) (map[string]string, error)
}

type PolicyStore interface {
	Settings(ctx context.Context) (Settings, bool, error)
	BadgeThresholds(ctx context.Context) (map[string]int, error)
	Rates(ctx context.Context) (map[int]decimal.Decimal, error)
	ActiveMilestones(ctx context.Context) ([]MilestoneDefinition, error)
}

// Ledger runs fn inside one storage transaction. Returning an error from fn
// rolls back every write made through the LedgerTx. Implementations wrap
// failures to reach the store at all in ErrLedgerUnavailable; any other error
// concerns the rows of that one transaction.
type Ledger interface {
	InTx(ctx context.Context, fn func(LedgerTx) error) error
}

// LedgerTx writes are append-only or atomic increments. The boolean results
// report whether a row was inserted; false means the uniqueness key already
// existed and nothing was written.
type LedgerTx interface {
	CreditHolding(ctx context.Context, userID string, amount decimal.Decimal) error
	CreditWithdrawable(ctx context.Context, userID string, amount decimal.Decimal) error
	AppendCommission(ctx context.Context, entry CommissionEntry) (bool, error)
	AppendBonus(ctx context.Context, entry BonusEntry) error
	InsertMilestoneClaim(ctx context.Context, claim MilestoneClaim) (bool, error)
}
