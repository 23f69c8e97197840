package scanner

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionWindow is one UTC trading session with its affinity symbols.
// A symbol listed under a window earns multiplier × affinity while the
// window is active; everything else stays at 1.0.
type SessionWindow struct {
	Name       string             `yaml:"name"`
	StartHour  int                `yaml:"start_hour"` // inclusive, UTC
	EndHour    int                `yaml:"end_hour"`   // exclusive, UTC
	Multiplier float64            `yaml:"multiplier"`
	Affinity   map[string]float64 `yaml:"affinity"` // symbol → affinity factor
}

// Sessions holds the configured windows
type Sessions struct {
	Windows []SessionWindow `yaml:"sessions"`
}

// DefaultSessions covers the three liquidity waves with a modest affinity set.
// Deployments override via SESSION_CONFIG.
func DefaultSessions() *Sessions {
	return &Sessions{Windows: []SessionWindow{
		{
			Name: "asia", StartHour: 0, EndHour: 8, Multiplier: 2.0,
			Affinity: map[string]float64{
				"BTCUSDT": 1.0, "ETHUSDT": 1.0, "BNBUSDT": 1.0,
				"SUIUSDT": 1.0, "APTUSDT": 1.0, "SEIUSDT": 1.0,
			},
		},
		{
			Name: "europe", StartHour: 7, EndHour: 16, Multiplier: 1.8,
			Affinity: map[string]float64{
				"BTCUSDT": 1.0, "ETHUSDT": 1.0, "LINKUSDT": 1.0,
				"DOTUSDT": 1.0, "AAVEUSDT": 1.0,
			},
		},
		{
			Name: "us", StartHour: 13, EndHour: 22, Multiplier: 2.0,
			Affinity: map[string]float64{
				"BTCUSDT": 1.0, "ETHUSDT": 1.0, "SOLUSDT": 1.0,
				"DOGEUSDT": 1.0, "AVAXUSDT": 1.0, "COINUSDT": 1.0,
			},
		},
	}}
}

// LoadSessions reads the affinity tables from a YAML file.
// An empty path returns the defaults.
func LoadSessions(path string) (*Sessions, error) {
	if path == "" {
		return DefaultSessions(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session config: %w", err)
	}

	var s Sessions
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session config: %w", err)
	}
	if len(s.Windows) == 0 {
		return nil, fmt.Errorf("session config %s lists no sessions", path)
	}
	for _, w := range s.Windows {
		if w.StartHour < 0 || w.EndHour > 24 || w.StartHour >= w.EndHour {
			return nil, fmt.Errorf("session %q has invalid window [%d,%d)", w.Name, w.StartHour, w.EndHour)
		}
	}
	return &s, nil
}

// Boost returns the score multiplier for symbol at the given time.
// Overlapping windows resolve to the strongest boost.
func (s *Sessions) Boost(symbol string, now time.Time) float64 {
	hour := now.UTC().Hour()
	best := 1.0
	for _, w := range s.Windows {
		if hour < w.StartHour || hour >= w.EndHour {
			continue
		}
		aff, ok := w.Affinity[symbol]
		if !ok {
			continue
		}
		if b := w.Multiplier * aff; b > best {
			best = b
		}
	}
	return best
}
