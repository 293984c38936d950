// Package policy loads the admin-edited commission tables from YAML or JSON
// documents and caches the static ones between distributions.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"refengine/internal/rewards"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Number accepts quoted or bare numeric scalars without going through float64.
type Number struct {
	decimal.Decimal
}

func (n *Number) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", value.Line)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	n.Decimal = d
	return nil
}

type Document struct {
	Settings   *SettingsDoc      `yaml:"settings"`
	Badges     []BadgeDoc        `yaml:"badges"`
	Rates      map[string]Number `yaml:"rates"`
	Milestones []MilestoneDoc    `yaml:"milestones"`
}

type SettingsDoc struct {
	IsActive      bool   `yaml:"is_active"`
	MaxLevels     int    `yaml:"max_levels"`
	CapUSD        Number `yaml:"cap_usd"`
	VIPMultiplier Number `yaml:"vip_multiplier"`
	INRPerBSK     Number `yaml:"inr_per_bsk"`
}

type BadgeDoc struct {
	Name         string `yaml:"name"`
	UnlockLevels int    `yaml:"unlock_levels"`
}

type MilestoneDoc struct {
	ID                int64  `yaml:"id"`
	VIPCountThreshold int    `yaml:"vip_count_threshold"`
	RewardINRValue    Number `yaml:"reward_inr_value"`
	RewardDescription string `yaml:"reward_description"`
	IsActive          *bool  `yaml:"is_active"`
}

// Parse decodes a policy document. JSON bodies parse too, being valid YAML.
// Unknown keys are rejected.
func Parse(data []byte) (rewards.PolicySnapshot, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return rewards.PolicySnapshot{}, fmt.Errorf("%w: empty document", rewards.ErrInvalidPolicy)
		}
		return rewards.PolicySnapshot{}, fmt.Errorf("%w: %v", rewards.ErrInvalidPolicy, err)
	}
	return doc.Snapshot()
}

func LoadFile(path string) (rewards.PolicySnapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return rewards.PolicySnapshot{}, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(raw)
}

func (d Document) Snapshot() (rewards.PolicySnapshot, error) {
	snap := rewards.PolicySnapshot{
		BadgeThresholds: make(map[string]int, len(d.Badges)),
		Rates:           make(map[int]decimal.Decimal, len(d.Rates)),
		Milestones:      make([]rewards.MilestoneDefinition, 0, len(d.Milestones)),
	}
	if d.Settings != nil {
		snap.Settings = &rewards.Settings{
			IsActive:      d.Settings.IsActive,
			MaxLevels:     d.Settings.MaxLevels,
			CapUSD:        d.Settings.CapUSD.Decimal,
			VIPMultiplier: d.Settings.VIPMultiplier.Decimal,
			INRPerBSK:     d.Settings.INRPerBSK.Decimal,
		}
	}
	for _, b := range d.Badges {
		name := rewards.NormalizeBadge(b.Name)
		if prev, ok := snap.BadgeThresholds[name]; ok && prev != b.UnlockLevels {
			return rewards.PolicySnapshot{}, fmt.Errorf("%w: badge %s listed twice", rewards.ErrInvalidPolicy, name)
		}
		snap.BadgeThresholds[name] = b.UnlockLevels
	}
	for key, pct := range d.Rates {
		level, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return rewards.PolicySnapshot{}, fmt.Errorf("%w: rate level %q is not an integer", rewards.ErrInvalidPolicy, key)
		}
		snap.Rates[level] = pct.Decimal
	}
	for _, m := range d.Milestones {
		active := true
		if m.IsActive != nil {
			active = *m.IsActive
		}
		snap.Milestones = append(snap.Milestones, rewards.MilestoneDefinition{
			ID:                m.ID,
			VIPCountThreshold: m.VIPCountThreshold,
			RewardINRValue:    m.RewardINRValue.Decimal,
			RewardDescription: strings.TrimSpace(m.RewardDescription),
			IsActive:          active,
		})
	}
	if err := snap.Validate(); err != nil {
		return rewards.PolicySnapshot{}, err
	}
	return snap, nil
}
