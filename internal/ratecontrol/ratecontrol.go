// Package ratecontrol throttles requests to the completion service. Limits
// come from an optional limits.yaml; requests wait on a token bucket rather
// than being rejected, so user messages are delayed instead of dropped.
package ratecontrol

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

type config struct {
	RateLimits struct {
		DefaultRPM        int `yaml:"default_rpm"`
		OperationOverrides map[string]struct {
			RPM int `yaml:"rpm"`
		} `yaml:"operation_overrides"`
	} `yaml:"rate_limits"`
}

// RateLimit is the effective requests-per-minute budget for an operation.
type RateLimit struct {
	RPM int
}

var (
	mu          sync.RWMutex
	loaded      *config
	limiters    map[string]*rate.Limiter
	initialized bool
)

var defaultPaths = []string{
	os.Getenv("LIMITS_CONFIG_PATH"),
	"/app/config/limits.yaml",
	"./config/limits.yaml",
}

func loadLocked() {
	var cfg config
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp config
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			log.Printf("WARNING: failed to unmarshal rate limit config from %s: %v", p, err)
			continue
		}
		cfg = tmp
		log.Printf("Loaded rate limit configuration from %s", p)
		break
	}
	if cfg.RateLimits.DefaultRPM == 0 && len(cfg.RateLimits.OperationOverrides) == 0 {
		if path, ok := findUpConfig(); ok {
			if data, err := os.ReadFile(path); err == nil {
				var tmp config
				if err := yaml.Unmarshal(data, &tmp); err == nil {
					cfg = tmp
					log.Printf("Loaded rate limit configuration from %s", path)
				}
			}
		}
	}
	loaded = &cfg
	limiters = make(map[string]*rate.Limiter)
	initialized = true
}

func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "limits.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

func get() *config {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

// LimitFor returns the configured limit for an operation (e.g. "classify",
// "research"), falling back to the default RPM. Zero means unlimited.
func LimitFor(operation string) RateLimit {
	cfg := get()
	if cfg == nil {
		return RateLimit{}
	}
	op := strings.ToLower(strings.TrimSpace(operation))
	if cfg.RateLimits.OperationOverrides != nil {
		if override, ok := cfg.RateLimits.OperationOverrides[op]; ok {
			return RateLimit{RPM: override.RPM}
		}
	}
	return RateLimit{RPM: cfg.RateLimits.DefaultRPM}
}

// Wait blocks until the operation's limiter admits a request, or the context
// is done. Operations with no configured limit pass through immediately.
func Wait(ctx context.Context, operation string) error {
	limit := LimitFor(operation)
	if limit.RPM <= 0 {
		return nil
	}

	op := strings.ToLower(strings.TrimSpace(operation))
	mu.Lock()
	lim, ok := limiters[op]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(limit.RPM)/60.0), 1)
		limiters[op] = lim
	}
	mu.Unlock()

	return lim.Wait(ctx)
}

// Reload rereads the limits file and resets limiters.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}
