// Package executor replays the order outbox against the exchange. Amount
// precision is negotiated with the decimal fallback in fallback.go and
// remembered in a cache that survives restarts.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"bitvavo-trader/internal/bus"
)

// PrecisionCache remembers the accepted amount-decimal count per market.
// Three layers: in-memory for the hot path, a KV hash shared with the
// guards, and a JSON file so a cold start with no KV still has yesterday's
// answers.
type PrecisionCache struct {
	mu       sync.Mutex
	path     string
	bus      *bus.Bus
	decimals map[string]int
	logger   *slog.Logger
}

// LoadPrecisionCache reads the file layer and merges the KV layer on top.
// A missing file or empty hash is a normal cold start.
func LoadPrecisionCache(ctx context.Context, path string, b *bus.Bus, logger *slog.Logger) *PrecisionCache {
	c := &PrecisionCache{
		path:     path,
		bus:      b,
		decimals: make(map[string]int),
		logger:   logger.With("component", "precision_cache"),
	}

	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &c.decimals); err != nil {
			c.logger.Warn("precision cache file unreadable, starting empty", "path", path, "error", err)
			c.decimals = make(map[string]int)
		}
	}

	if b != nil {
		if fields, err := b.HGetAll(ctx, bus.KeyPrecisionCache); err == nil {
			for market, v := range fields {
				if d, err := strconv.Atoi(v); err == nil {
					c.decimals[market] = d
				}
			}
		}
	}

	c.logger.Info("precision cache loaded", "markets", len(c.decimals))
	return c
}

// Get returns the cached decimal count for a market.
func (c *PrecisionCache) Get(market string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.decimals[market]
	return d, ok
}

// Put stores an accepted decimal count in all three layers. The file is
// written atomically (temp file + rename) so a crash never leaves a torn
// cache behind.
func (c *PrecisionCache) Put(ctx context.Context, market string, decimals int) {
	c.mu.Lock()
	c.decimals[market] = decimals
	snapshot := make(map[string]int, len(c.decimals))
	for k, v := range c.decimals {
		snapshot[k] = v
	}
	c.mu.Unlock()

	if c.bus != nil {
		if err := c.bus.HSet(ctx, bus.KeyPrecisionCache, map[string]string{market: strconv.Itoa(decimals)}); err != nil {
			c.logger.Warn("precision cache KV write failed", "market", market, "error", err)
		}
	}
	if err := c.writeFile(snapshot); err != nil {
		c.logger.Warn("precision cache file write failed", "path", c.path, "error", err)
	}
}

func (c *PrecisionCache) writeFile(snapshot map[string]int) error {
	if c.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
