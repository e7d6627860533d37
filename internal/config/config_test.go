package config_test

import (
	"strings"
	"testing"

	"missionline/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default("mkt-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Marketplace.ID != "mkt-1" {
		t.Fatalf("marketplace id=%q", cfg.Marketplace.ID)
	}
	if cfg.Bidding.Threshold != 50_000 {
		t.Fatalf("bidding threshold=%d", cfg.Bidding.Threshold)
	}
	if cfg.Settlement.TreasuryAccount != "protocol-treasury" {
		t.Fatalf("treasury account=%q", cfg.Settlement.TreasuryAccount)
	}
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := config.Default("mkt-1")
	cfg.Assignment.Weights.Reputation = 0.9
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "weights must sum to 1") {
		t.Fatalf("expected weight sum error, got %v", err)
	}
}

func TestValidateRejectsMissingID(t *testing.T) {
	cfg := config.Default("")
	if err := cfg.Validate(); err == nil {
		t.Fatalf("empty marketplace id must be refused")
	}
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
marketplace:
  id: custom
  currency: CRD
assignment:
  weights: {reputation: 0.4, bond_capacity: 0.2, rate: 0.2, recency: 0.2}
  diminishing_factor: 0.8
  history_window: 5
  pool_size: 3
  max_hourly_rate: 5000
  recency_half_life_hours: 12
  max_concurrent: 2
bidding:
  threshold: 10000
  window_seconds: 30
  weights: {price: 0.6, eta: 0.2, bond: 0.2}
  eta_ceiling_minutes: 240
  bond_cap_pct: 0.4
bonds:
  minimum: 50
  worker_pct: 0.2
  verifier_pct: 0.1
  slash_rate: 0.9
  malformed_rate: 0.8
  treasury_split: 0.5
verifiers:
  min_count: 5
  reward: 10
settlement:
  protocol_fee_pct: 0.05
  reputation_gain: 3
  reputation_loss: 7
  treasury_account: vault
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Assignment.DiminishingFactor != 0.8 || cfg.Verifiers.MinCount != 5 {
		t.Fatalf("unexpected values: %+v", cfg)
	}

	if _, err := config.FromYAML([]byte("marketplace: [not a map]")); err == nil {
		t.Fatalf("malformed yaml must be refused")
	}
}
