package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPGuard delegates the check to the external users service, which owns
// the quota ledger. One round trip checks and reserves in a single call.
type HTTPGuard struct {
	base string
	http *http.Client
}

// NewHTTPGuard builds a guard against the users service base URL.
func NewHTTPGuard(base string) *HTTPGuard {
	return &HTTPGuard{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// CheckAndReserve asks the users service whether the user may run n
// advanced operations today.
func (g *HTTPGuard) CheckAndReserve(ctx context.Context, userID string, advancedOps int) (bool, error) {
	url := fmt.Sprintf("%s/%s/process/%d", g.base, userID, advancedOps)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("quota check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("quota check: users service returned %d", resp.StatusCode)
	}
	var permitted bool
	if err := json.NewDecoder(resp.Body).Decode(&permitted); err != nil {
		return false, fmt.Errorf("decode quota response: %w", err)
	}
	return permitted, nil
}

// HTTPTierSource resolves tiers from the users service.
type HTTPTierSource struct {
	base string
	http *http.Client
}

// NewHTTPTierSource builds a tier source against the users service base URL.
func NewHTTPTierSource(base string) *HTTPTierSource {
	return &HTTPTierSource{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Tier returns the user's account tier.
func (s *HTTPTierSource) Tier(ctx context.Context, userID string) (Tier, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/"+userID+"/type", nil)
	if err != nil {
		return "", err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("tier lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tier lookup: users service returned %d", resp.StatusCode)
	}
	var decoded struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode tier response: %w", err)
	}
	switch Tier(decoded.Type) {
	case TierPremium, TierFree, TierAnonymous:
		return Tier(decoded.Type), nil
	default:
		return "", fmt.Errorf("tier lookup: unknown tier %q", decoded.Type)
	}
}
