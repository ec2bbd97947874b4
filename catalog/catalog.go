// Package catalog serves the provider's model list: sorted, categorised
// by price and cached, plus the default-model choice used when a scrape
// asks for enhancement without naming a model.
package catalog

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/use-agent/scrapeflow/cache"
	"github.com/use-agent/scrapeflow/config"
	"github.com/use-agent/scrapeflow/models"
)

// MinDefaultContext is the smallest context window a default model may have.
const MinDefaultContext = 4096

// Price category names.
const (
	CategoryFree     = "free"
	CategoryBudget   = "budget"
	CategoryStandard = "standard"
	CategoryPremium  = "premium"
	CategoryUnknown  = "unknown"
)

// Combined per-token price ceilings (prompt + completion, USD).
const (
	budgetCeiling   = 1e-6 // $1 per million tokens
	standardCeiling = 1e-5 // $10 per million tokens
)

const cacheKey = "models"

// Lister fetches the raw model list from the provider.
type Lister interface {
	ListModels(ctx context.Context) ([]models.ModelInfo, error)
}

// Catalog caches the model list and picks default models. It is safe for
// concurrent use.
type Catalog struct {
	lister        Lister
	cache         *cache.Cache[[]models.ModelInfo]
	group         singleflight.Group
	fallback      string
	lookupTimeout time.Duration
	logger        *slog.Logger
}

// New creates a Catalog backed by lister. llmCfg supplies the fallback
// model and the lookup timeout used by DefaultModel.
func New(lister Lister, cfg config.CatalogConfig, llmCfg config.LLMConfig, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		lister:        lister,
		cache:         cache.New[[]models.ModelInfo](1, cfg.TTL),
		fallback:      llmCfg.DefaultModel,
		lookupTimeout: llmCfg.ModelLookupTimeout,
		logger:        logger.With("component", "catalog"),
	}
}

// Close releases the cache's background goroutine.
func (c *Catalog) Close() {
	c.cache.Close()
}

// Models returns the sorted, categorised model list. Concurrent callers on
// a cold cache share one upstream request.
func (c *Catalog) Models(ctx context.Context) ([]models.ModelInfo, error) {
	if list, ok := c.cache.Get(cacheKey); ok {
		return slices.Clone(list), nil
	}

	ch := c.group.DoChan(cacheKey, func() (any, error) {
		// The shared fetch must not die with whichever caller started it.
		list, err := c.lister.ListModels(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		for i := range list {
			list[i].Category = Categorize(list[i].Pricing)
		}
		Sort(list)
		c.cache.Set(cacheKey, list)
		c.logger.Info("model catalogue refreshed", "count", len(list))
		return list, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]models.ModelInfo)), nil
	}
}

// DefaultModel picks the cheapest model with complete pricing and a
// context window of at least MinDefaultContext. Any lookup failure,
// including the lookup timeout, falls back to the configured default.
func (c *Catalog) DefaultModel(ctx context.Context) string {
	if c.lookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.lookupTimeout)
		defer cancel()
	}

	list, err := c.Models(ctx)
	if err != nil {
		c.logger.Warn("default model lookup failed, using fallback", "error", err, "model", c.fallback)
		return c.fallback
	}
	m, ok := Cheapest(list)
	if !ok {
		c.logger.Warn("no model qualifies as default, using fallback", "model", c.fallback)
		return c.fallback
	}
	return m.ID
}

// Sort orders models with complete pricing first, then by descending
// context length, then by id.
func Sort(list []models.ModelInfo) {
	slices.SortStableFunc(list, func(a, b models.ModelInfo) int {
		ac, bc := a.Pricing.Complete(), b.Pricing.Complete()
		if ac != bc {
			if ac {
				return -1
			}
			return 1
		}
		if a.ContextLength != b.ContextLength {
			return b.ContextLength - a.ContextLength
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// Categorize buckets a model by its combined per-token price.
func Categorize(p models.ModelPricing) string {
	if !p.Complete() {
		return CategoryUnknown
	}
	switch total := p.Total(); {
	case total == 0:
		return CategoryFree
	case total < budgetCeiling:
		return CategoryBudget
	case total < standardCeiling:
		return CategoryStandard
	default:
		return CategoryPremium
	}
}

// Cheapest returns the qualifying model with the lowest prompt+completion
// price. Ties go to the smaller id.
func Cheapest(list []models.ModelInfo) (models.ModelInfo, bool) {
	var (
		best  models.ModelInfo
		found bool
	)
	for _, m := range list {
		if !m.Pricing.Complete() || m.ContextLength < MinDefaultContext {
			continue
		}
		if !found || m.Pricing.Total() < best.Pricing.Total() ||
			(m.Pricing.Total() == best.Pricing.Total() && m.ID < best.ID) {
			best, found = m, true
		}
	}
	return best, found
}
