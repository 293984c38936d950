// Package memstore keeps every collaborator of the rewards engine in process
// memory. It backs local runs without Postgres and the engine and API tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"refengine/internal/rewards"

	"github.com/shopspring/decimal"
)

type badgeHolding struct {
	badge       string
	purchasedAt time.Time
}

type commissionKey struct {
	eventID   string
	level     int
	sponsorID string
}

type claimKey struct {
	userID      string
	milestoneID int64
}

type Store struct {
	mu sync.Mutex

	links  map[string]string
	tree   map[string][]rewards.AncestorEdge
	badges map[string][]badgeHolding

	settings   *rewards.Settings
	thresholds map[string]int
	rates      map[int]decimal.Decimal
	milestones []rewards.MilestoneDefinition

	balances       map[string]rewards.Balance
	commissions    []rewards.CommissionEntry
	commissionKeys map[commissionKey]struct{}
	bonuses        []rewards.BonusEntry
	claims         map[claimKey]rewards.MilestoneClaim
	nextID         int64

	creditFaults map[string]error
	badgeFaults  map[string]error
	outage       error
	rebuilds     int

	now func() time.Time
}

func New() *Store {
	return &Store{
		links:          make(map[string]string),
		tree:           make(map[string][]rewards.AncestorEdge),
		badges:         make(map[string][]badgeHolding),
		thresholds:     make(map[string]int),
		rates:          make(map[int]decimal.Decimal),
		balances:       make(map[string]rewards.Balance),
		commissionKeys: make(map[commissionKey]struct{}),
		claims:         make(map[claimKey]rewards.MilestoneClaim),
		creditFaults:   make(map[string]error),
		badgeFaults:    make(map[string]error),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// LockSponsor records a sponsor relationship without materializing the tree.
func (s *Store) LockSponsor(userID, sponsorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[userID] = sponsorID
}

// SetPath records the user's sponsor chain, nearest first, and writes the
// matching tree rows.
func (s *Store) SetPath(userID string, ancestors ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := make([]rewards.AncestorEdge, 0, len(ancestors))
	prev := userID
	for i, id := range ancestors {
		path = append(path, rewards.AncestorEdge{AncestorID: id, Level: i + 1})
		s.links[prev] = id
		prev = id
	}
	s.tree[userID] = path
}

func (s *Store) GrantBadge(userID, badge string, purchasedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badges[userID] = append(s.badges[userID], badgeHolding{badge: badge, purchasedAt: purchasedAt})
}

// FailCredits makes every ledger transaction touching userID's balance fail.
// A nil err clears the fault.
func (s *Store) FailCredits(userID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.creditFaults, userID)
		return
	}
	s.creditFaults[userID] = err
}

// FailLedger makes every transaction fail as if the store were unreachable.
// A nil err ends the outage.
func (s *Store) FailLedger(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outage = err
}

// SetEdges stores userID's path as given, gaps included.
func (s *Store) SetEdges(userID string, edges ...rewards.AncestorEdge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree[userID] = append([]rewards.AncestorEdge(nil), edges...)
}

func (s *Store) FailBadgeLookups(userID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.badgeFaults, userID)
		return
	}
	s.badgeFaults[userID] = err
}

func (s *Store) Rebuilds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuilds
}

func (s *Store) AncestorPath(_ context.Context, userID string) ([]rewards.AncestorEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.tree[userID]
	out := make([]rewards.AncestorEdge, len(path))
	copy(out, path)
	return out, nil
}

func (s *Store) DirectReferrals(_ context.Context, sponsorID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for userID, path := range s.tree {
		for _, edge := range path {
			if edge.Level == 1 && edge.AncestorID == sponsorID {
				out = append(out, userID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) HasLockedSponsor(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.links[userID]
	return ok, nil
}

// Rebuild replaces the user's tree rows by following locked sponsor links.
func (s *Store) Rebuild(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuilds++
	seen := map[string]struct{}{userID: {}}
	var path []rewards.AncestorEdge
	current := userID
	for level := 1; level <= rewards.MaxTreeDepth; level++ {
		sponsor, ok := s.links[current]
		if !ok || sponsor == "" {
			break
		}
		if _, loop := seen[sponsor]; loop {
			return fmt.Errorf("sponsor cycle at %s", sponsor)
		}
		seen[sponsor] = struct{}{}
		path = append(path, rewards.AncestorEdge{AncestorID: sponsor, Level: level})
		current = sponsor
	}
	s.tree[userID] = path
	return nil
}

func (s *Store) CurrentBadge(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.badgeFaults[userID]; err != nil {
		return "", err
	}
	return s.latestBadge(userID), nil
}

func (s *Store) CurrentBadges(_ context.Context, userIDs []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(userIDs))
	for _, id := range userIDs {
		if err := s.badgeFaults[id]; err != nil {
			return nil, err
		}
		if badge := s.latestBadge(id); badge != "" {
			out[id] = badge
		}
	}
	return out, nil
}

func (s *Store) latestBadge(userID string) string {
	var latest badgeHolding
	for _, h := range s.badges[userID] {
		if latest.badge == "" || !h.purchasedAt.Before(latest.purchasedAt) {
			latest = h
		}
	}
	return latest.badge
}

func (s *Store) Settings(_ context.Context) (rewards.Settings, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		return rewards.Settings{}, false, nil
	}
	return *s.settings, true, nil
}

func (s *Store) BadgeThresholds(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.thresholds))
	for k, v := range s.thresholds {
		out[k] = v
	}
	return out, nil
}

func (s *Store) Rates(_ context.Context) (map[int]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]decimal.Decimal, len(s.rates))
	for k, v := range s.rates {
		out[k] = v
	}
	return out, nil
}

func (s *Store) ActiveMilestones(_ context.Context) ([]rewards.MilestoneDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rewards.MilestoneDefinition, 0, len(s.milestones))
	for _, m := range s.milestones {
		if m.IsActive {
			out = append(out, m)
		}
	}
	rewards.SortMilestones(out)
	return out, nil
}

// ReplacePolicy swaps every policy table at once.
func (s *Store) ReplacePolicy(_ context.Context, snap rewards.PolicySnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Settings != nil {
		settings := *snap.Settings
		s.settings = &settings
	} else {
		s.settings = nil
	}
	s.thresholds = make(map[string]int, len(snap.BadgeThresholds))
	for k, v := range snap.BadgeThresholds {
		s.thresholds[k] = v
	}
	s.rates = make(map[int]decimal.Decimal, len(snap.Rates))
	for k, v := range snap.Rates {
		s.rates[k] = v
	}
	s.milestones = append([]rewards.MilestoneDefinition(nil), snap.Milestones...)
	return nil
}
