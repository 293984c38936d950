// Package queue carries upstream reward triggers from producers to the worker
// over a Redis list with a processing list and a dead-letter list.
package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"refengine/internal/rewards"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindCommission    Kind = "commission"
	KindMilestone     Kind = "milestone"
	KindBadgePurchase Kind = "badge_purchase"
)

const defaultBadgeEarningType = "badge_purchase"

// Trigger is one upstream event. Commission and badge purchase triggers carry
// the earner and amount; milestone triggers carry the sponsor to evaluate.
type Trigger struct {
	EventID     string          `json:"event_id"`
	Kind        Kind            `json:"kind"`
	EarnerID    string          `json:"earner_id,omitempty"`
	Amount      decimal.Decimal `json:"earning_amount"`
	EarningType string          `json:"earning_type,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	SponsorID   string          `json:"sponsor_id,omitempty"`
	ReferralID  string          `json:"referral_id,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Validate trims identifiers and checks the fields each kind needs.
func (t *Trigger) Validate() error {
	t.EventID = strings.TrimSpace(t.EventID)
	t.EarnerID = strings.TrimSpace(t.EarnerID)
	t.SponsorID = strings.TrimSpace(t.SponsorID)
	t.ReferralID = strings.TrimSpace(t.ReferralID)
	t.EarningType = strings.TrimSpace(t.EarningType)

	switch t.Kind {
	case KindCommission, KindBadgePurchase:
		if t.EventID == "" {
			return rewards.ErrEventIDRequired
		}
		if t.EarnerID == "" {
			return fmt.Errorf("%w: earner_id is required for %s", rewards.ErrInvalidInput, t.Kind)
		}
		if !t.Amount.IsPositive() {
			return fmt.Errorf("%w: earning_amount must be > 0", rewards.ErrInvalidInput)
		}
		if t.EarningType == "" {
			if t.Kind != KindBadgePurchase {
				return fmt.Errorf("%w: earning_type is required", rewards.ErrInvalidInput)
			}
			t.EarningType = defaultBadgeEarningType
		}
	case KindMilestone:
		if t.SponsorID == "" {
			return fmt.Errorf("%w: sponsor_id is required for milestone", rewards.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown trigger kind %q", rewards.ErrInvalidInput, t.Kind)
	}
	return nil
}

func (t Trigger) DistributeInput() rewards.DistributeInput {
	return rewards.DistributeInput{
		EventID:     t.EventID,
		EarnerID:    t.EarnerID,
		Amount:      t.Amount,
		EarningType: t.EarningType,
		Metadata:    t.Metadata,
	}
}

// Label identifies the trigger in logs.
func (t Trigger) Label() string {
	if t.EventID != "" {
		return t.EventID
	}
	return string(t.Kind) + ":" + t.SponsorID
}

func Encode(t Trigger) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func Decode(payload string) (Trigger, error) {
	var t Trigger
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return Trigger{}, fmt.Errorf("decode trigger: %w", err)
	}
	return t, nil
}
