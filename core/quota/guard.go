package quota

import "context"

// Guard answers whether a user may run a number of advanced operations
// today, recording consumption atomically with the check. Previews never
// pass through the guard.
type Guard interface {
	CheckAndReserve(ctx context.Context, userID string, advancedOps int) (bool, error)
}

// Tier is a user's account tier as maintained by the users service.
type Tier string

const (
	TierPremium   Tier = "premium"
	TierFree      Tier = "free"
	TierAnonymous Tier = "anonymous"
)

// TierSource resolves a user's tier.
type TierSource interface {
	Tier(ctx context.Context, userID string) (Tier, error)
}

// StaticTiers is a TierSource that reports the same tier for every user.
// Used when no users service is configured.
type StaticTiers Tier

func (s StaticTiers) Tier(context.Context, string) (Tier, error) {
	return Tier(s), nil
}
