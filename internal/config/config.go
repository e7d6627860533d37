package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config models missionline.yml: the marketplace identity plus every economic
// constant the engines consume. It is stored in the DB and imported explicitly;
// nothing in the engines hardcodes an economic number.
type Config struct {
	Marketplace struct {
		ID       string `yaml:"id" json:"id"`
		Currency string `yaml:"currency" json:"currency"`
	} `yaml:"marketplace" json:"marketplace"`
	Assignment AssignmentConfig `yaml:"assignment" json:"assignment"`
	Bidding    BiddingConfig    `yaml:"bidding" json:"bidding"`
	Bonds      BondConfig       `yaml:"bonds" json:"bonds"`
	Verifiers  VerifierConfig   `yaml:"verifiers" json:"verifiers"`
	Settlement SettlementConfig `yaml:"settlement" json:"settlement"`
}

// AssignmentConfig drives the autopilot scorer.
type AssignmentConfig struct {
	Weights struct {
		Reputation   float64 `yaml:"reputation" json:"reputation"`
		BondCapacity float64 `yaml:"bond_capacity" json:"bond_capacity"`
		Rate         float64 `yaml:"rate" json:"rate"`
		Recency      float64 `yaml:"recency" json:"recency"`
	} `yaml:"weights" json:"weights"`
	DiminishingFactor float64 `yaml:"diminishing_factor" json:"diminishing_factor"`
	HistoryWindow     int     `yaml:"history_window" json:"history_window"`
	PoolSize          int     `yaml:"pool_size" json:"pool_size"`
	MaxHourlyRate     int64   `yaml:"max_hourly_rate" json:"max_hourly_rate"`
	RecencyHalfLife   float64 `yaml:"recency_half_life_hours" json:"recency_half_life_hours"`
	MaxConcurrent     int     `yaml:"max_concurrent" json:"max_concurrent"`
}

// BiddingConfig drives the auction path.
type BiddingConfig struct {
	Threshold     int64 `yaml:"threshold" json:"threshold"`
	WindowSeconds int   `yaml:"window_seconds" json:"window_seconds"`
	Weights       struct {
		Price float64 `yaml:"price" json:"price"`
		ETA   float64 `yaml:"eta" json:"eta"`
		Bond  float64 `yaml:"bond" json:"bond"`
	} `yaml:"weights" json:"weights"`
	ETACeilingMinutes int     `yaml:"eta_ceiling_minutes" json:"eta_ceiling_minutes"`
	BondCapPct        float64 `yaml:"bond_cap_pct" json:"bond_cap_pct"`
}

type BondConfig struct {
	Minimum       int64   `yaml:"minimum" json:"minimum"`
	WorkerPct     float64 `yaml:"worker_pct" json:"worker_pct"`
	VerifierPct   float64 `yaml:"verifier_pct" json:"verifier_pct"`
	SlashRate     float64 `yaml:"slash_rate" json:"slash_rate"`
	MalformedRate float64 `yaml:"malformed_rate" json:"malformed_rate"`
	TreasurySplit float64 `yaml:"treasury_split" json:"treasury_split"`
}

type VerifierConfig struct {
	MinCount int   `yaml:"min_count" json:"min_count"`
	Reward   int64 `yaml:"reward" json:"reward"`
}

type SettlementConfig struct {
	ProtocolFeePct  float64 `yaml:"protocol_fee_pct" json:"protocol_fee_pct"`
	ReputationGain  int     `yaml:"reputation_gain" json:"reputation_gain"`
	ReputationLoss  int     `yaml:"reputation_loss" json:"reputation_loss"`
	TreasuryAccount string  `yaml:"treasury_account" json:"treasury_account"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Marketplace.ID == "" {
		return fmt.Errorf("config.marketplace.id is required")
	}
	w := c.Assignment.Weights
	if err := weightsSum("assignment", w.Reputation+w.BondCapacity+w.Rate+w.Recency); err != nil {
		return err
	}
	bw := c.Bidding.Weights
	if err := weightsSum("bidding", bw.Price+bw.ETA+bw.Bond); err != nil {
		return err
	}
	if c.Assignment.DiminishingFactor <= 0 || c.Assignment.DiminishingFactor > 1 {
		return fmt.Errorf("assignment.diminishing_factor must be in (0,1]")
	}
	if c.Assignment.HistoryWindow <= 0 {
		return fmt.Errorf("assignment.history_window must be positive")
	}
	if c.Assignment.PoolSize <= 0 {
		return fmt.Errorf("assignment.pool_size must be positive")
	}
	if c.Assignment.MaxHourlyRate <= 0 {
		return fmt.Errorf("assignment.max_hourly_rate must be positive")
	}
	if c.Bidding.Threshold < 0 {
		return fmt.Errorf("bidding.threshold must not be negative")
	}
	if c.Bidding.WindowSeconds <= 0 {
		return fmt.Errorf("bidding.window_seconds must be positive")
	}
	if c.Bidding.ETACeilingMinutes <= 0 {
		return fmt.Errorf("bidding.eta_ceiling_minutes must be positive")
	}
	if c.Bonds.Minimum < 0 {
		return fmt.Errorf("bonds.minimum must not be negative")
	}
	for name, rate := range map[string]float64{
		"bonds.worker_pct":     c.Bonds.WorkerPct,
		"bonds.verifier_pct":   c.Bonds.VerifierPct,
		"bonds.slash_rate":     c.Bonds.SlashRate,
		"bonds.malformed_rate": c.Bonds.MalformedRate,
		"bonds.treasury_split": c.Bonds.TreasurySplit,
		"bidding.bond_cap_pct": c.Bidding.BondCapPct,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s must be in [0,1]", name)
		}
	}
	if c.Settlement.ProtocolFeePct < 0 || c.Settlement.ProtocolFeePct >= 1 {
		return fmt.Errorf("settlement.protocol_fee_pct must be in [0,1)")
	}
	if c.Verifiers.MinCount <= 0 {
		return fmt.Errorf("verifiers.min_count must be positive")
	}
	if c.Settlement.TreasuryAccount == "" {
		return fmt.Errorf("settlement.treasury_account is required")
	}
	return nil
}

func weightsSum(section string, sum float64) error {
	const eps = 1e-9
	if sum < 1-eps || sum > 1+eps {
		return fmt.Errorf("%s.weights must sum to 1, got %v", section, sum)
	}
	return nil
}

// Default returns the default Config struct for a marketplace.
func Default(marketplaceID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, marketplaceID)), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `marketplace:
  id: %s
  currency: CRD

assignment:
  weights:
    reputation: 0.4
    bond_capacity: 0.2
    rate: 0.2
    recency: 0.2
  diminishing_factor: 0.9
  history_window: 10
  pool_size: 5
  max_hourly_rate: 10000
  recency_half_life_hours: 6
  max_concurrent: 3

bidding:
  threshold: 50000
  window_seconds: 60
  weights:
    price: 0.5
    eta: 0.3
    bond: 0.2
  eta_ceiling_minutes: 480
  bond_cap_pct: 0.5

bonds:
  minimum: 100
  worker_pct: 0.1
  verifier_pct: 0.05
  slash_rate: 1.0
  malformed_rate: 0.8
  treasury_split: 0.5

verifiers:
  min_count: 3
  reward: 0

settlement:
  protocol_fee_pct: 0.02
  reputation_gain: 5
  reputation_loss: 10
  treasury_account: protocol-treasury
`
