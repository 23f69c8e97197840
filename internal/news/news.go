package news

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Blackout is a scheduled window during which positions are force-closed
// ahead of expected volatility (CPI prints, FOMC, listings)
type Blackout struct {
	Name  string    `yaml:"name"`
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

// Calendar answers whether a blackout window begins soon. Windows are
// operator-maintained; an empty calendar never triggers.
type Calendar struct {
	mu      sync.RWMutex
	windows []Blackout
}

// NewCalendar loads blackout windows from a YAML file, or returns an
// empty calendar when no path is configured
func NewCalendar(path string) (*Calendar, error) {
	c := &Calendar{}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Blackouts []Blackout `yaml:"blackouts"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	c.windows = doc.Blackouts
	log.Info().Int("windows", len(c.windows)).Msg("📰 News blackout calendar loaded")
	return c, nil
}

// Set replaces the window list, used by tests and operator tooling
func (c *Calendar) Set(windows []Blackout) {
	c.mu.Lock()
	c.windows = windows
	c.mu.Unlock()
}

// ImminentWithin reports whether any blackout window is active at `now`
// or begins within the lead time
func (c *Calendar) ImminentWithin(now time.Time, lead time.Duration) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	horizon := now.Add(lead)
	for _, w := range c.windows {
		if now.After(w.End) {
			continue
		}
		// Active now, or starting before the horizon
		if !w.Start.After(horizon) {
			return w.Name, true
		}
	}
	return "", false
}
