package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the optional YAML configuration file.
type FileConfig struct {
	Contracts ContractConfig `yaml:"contracts"`
	Rewards   RewardsConfig  `yaml:"rewards"`
	Courses   []CourseSeed   `yaml:"courses"`
}

// LoadFile parses the YAML configuration at path.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read market config: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse market config: %w", err)
	}

	seen := make(map[string]struct{}, len(fc.Courses))
	for i, course := range fc.Courses {
		if course.ID == "" {
			return nil, fmt.Errorf("course %d: id is required", i)
		}
		if _, dup := seen[course.ID]; dup {
			return nil, fmt.Errorf("course %s: duplicate id", course.ID)
		}
		seen[course.ID] = struct{}{}
		if course.Price == "" {
			return nil, fmt.Errorf("course %s: price is required", course.ID)
		}
	}

	return &fc, nil
}

// mergeFile applies the file at path. Environment values win over file values.
func (c *Config) mergeFile(path string) error {
	if path == "" || !fileExists(path) {
		return nil
	}

	fc, err := LoadFile(path)
	if err != nil {
		return err
	}

	if c.Contracts.Token == "" {
		c.Contracts.Token = fc.Contracts.Token
	}
	if c.Contracts.Marketplace == "" {
		c.Contracts.Marketplace = fc.Contracts.Marketplace
	}
	if c.Contracts.Rewards == "" {
		c.Contracts.Rewards = fc.Contracts.Rewards
	}
	if os.Getenv("REWARDS_LOOKBACK_BLOCKS") == "" && fc.Rewards.LookbackBlocks > 0 {
		c.Rewards.LookbackBlocks = fc.Rewards.LookbackBlocks
	}
	if os.Getenv("REWARDS_RECENT_CAP") == "" && fc.Rewards.RecentCap > 0 {
		c.Rewards.RecentCap = fc.Rewards.RecentCap
	}
	if os.Getenv("REWARDS_REFRESH_SPEC") == "" && fc.Rewards.RefreshSpec != "" {
		c.Rewards.RefreshSpec = fc.Rewards.RefreshSpec
	}
	c.Courses = fc.Courses
	return nil
}
