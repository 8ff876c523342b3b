package registry

import (
	"fmt"
	"sort"
)

// Catalog is the loaded, validated set of catalog items.
type Catalog struct {
	items map[string]Item
}

// LoadCatalog validates and indexes the built-in catalog. A tighten_only key
// without a declared risk direction is a programmer error and is refused
// here rather than guessed at override time.
func LoadCatalog() (*Catalog, error) {
	return newCatalog(catalogItems)
}

func newCatalog(items []Item) (*Catalog, error) {
	index := make(map[string]Item, len(items))
	for _, it := range items {
		if it.Key == "" {
			return nil, fmt.Errorf("catalog item with empty key")
		}
		if _, dup := index[it.Key]; dup {
			return nil, fmt.Errorf("duplicate catalog key %q", it.Key)
		}
		if it.Safety == SafetyTightenOnly && it.RiskDirection == "" {
			return nil, fmt.Errorf("tighten_only key %q has no risk_direction", it.Key)
		}
		if err := validateValue(it.Schema, it.Default); err != nil {
			return nil, fmt.Errorf("default for %q violates its schema: %w", it.Key, err)
		}
		index[it.Key] = it
	}
	return &Catalog{items: index}, nil
}

// Get looks up an item by key.
func (c *Catalog) Get(key string) (Item, bool) {
	it, ok := c.items[key]
	return it, ok
}

// Items returns all items sorted by key.
func (c *Catalog) Items() []Item {
	out := make([]Item, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func f(v float64) *float64 { return &v }

// catalogItems is the built-in parameter catalog. Defaults here are the
// bottom layer of every key's provenance chain.
var catalogItems = []Item{
	// Allocation
	{
		Key: "allocation.startP2", Title: "Phase 2 start equity",
		Description: "Equity at which phase 2 begins receiving weight",
		Category:    "allocation", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeNumber, Min: f(1)}, Default: 1500.0,
	},
	{
		Key: "allocation.fullP2", Title: "Phase 2 full equity",
		Description: "Equity at which the small-tier transition completes",
		Category:    "allocation", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeNumber, Min: f(1)}, Default: 5000.0,
	},
	{
		Key: "allocation.startP3", Title: "Phase 3 start equity",
		Description: "Equity at which phase 3 begins receiving weight",
		Category:    "allocation", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeNumber, Min: f(1)}, Default: 25000.0,
	},

	// Risk
	{
		Key: "risk.maxAccountLeverage", Title: "Max account leverage",
		Description: "Hard ceiling on portfolio leverage regardless of tier",
		Category:    "risk", Safety: SafetyTightenOnly, RiskDirection: HigherIsRiskier,
		Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeNumber, Min: f(1), Max: f(125)}, Default: 10.0,
	},
	{
		Key: "risk.alphaVetoThreshold", Title: "Hill-alpha veto floor",
		Description: "Tail-risk estimates below this veto all new risk",
		Category:    "risk", Safety: SafetyTightenOnly, RiskDirection: LowerIsRiskier,
		Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeNumber, Min: f(0), Max: f(10)}, Default: 2.0,
	},
	{
		Key: "risk.maxCorrelation", Title: "Correlation guard threshold",
		Description: "Pairwise |rho| above this penalizes same-side positions",
		Category:    "risk", Safety: SafetyTightenOnly, RiskDirection: HigherIsRiskier,
		Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeNumber, Min: f(0), Max: f(1)}, Default: 0.8,
	},
	{
		Key: "risk.correlationPenalty", Title: "Correlation penalty multiplier",
		Description: "Notional multiplier applied when the correlation guard binds",
		Category:    "risk", Safety: SafetyTightenOnly, RiskDirection: HigherIsRiskier,
		Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeNumber, Min: f(0), Max: f(1)}, Default: 0.5,
	},
	{
		Key: "risk.minPositionFloor", Title: "Minimum position notional",
		Description: "Reduced positions below this are vetoed outright",
		Category:    "risk", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeNumber, Min: f(0)}, Default: 10.0,
	},
	{
		Key: "risk.regimeSensitivePhases", Title: "Regime-sensitive phases",
		Description: "Phases vetoed while the volatility regime is expanding",
		Category:    "risk", Safety: SafetyAppendOnly, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeArray, Elem: TypeString}, Default: []interface{}{"p3"},
	},
	{
		Key: "risk.referenceSymbol", Title: "Beta reference symbol",
		Description: "Symbol the portfolio beta is computed against",
		Category:    "risk", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeString}, Default: "BTCUSDT",
	},

	// Performance
	{
		Key: "performance.windowDays", Title: "Performance window",
		Description: "Rolling window for per-phase trade samples, in days",
		Category:    "performance", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeInteger, Min: f(1), Max: f(90)}, Default: 7.0,
	},
	{
		Key: "performance.minTradeCount", Title: "Cold-start trade count",
		Description: "Below this the size modifier stays at 1.0",
		Category:    "performance", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeInteger, Min: f(1)}, Default: 10.0,
	},
	{
		Key: "performance.malusThreshold", Title: "Sharpe malus threshold",
		Description: "Sharpe below this applies the malus multiplier",
		Category:    "performance", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeNumber}, Default: 0.0,
	},
	{
		Key: "performance.bonusThreshold", Title: "Sharpe bonus threshold",
		Description: "Sharpe above this applies the bonus multiplier",
		Category:    "performance", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeNumber}, Default: 2.0,
	},
	{
		Key: "performance.malusMultiplier", Title: "Malus multiplier",
		Description: "Size multiplier for underperforming phases",
		Category:    "performance", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeNumber, Min: f(0), Max: f(1)}, Default: 0.5,
	},
	{
		Key: "performance.bonusMultiplier", Title: "Bonus multiplier",
		Description: "Size multiplier for outperforming phases",
		Category:    "performance", Safety: SafetyTightenOnly, RiskDirection: HigherIsRiskier,
		Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeNumber, Min: f(1), Max: f(2)}, Default: 1.2,
	},

	// Treasury
	{
		Key: "treasury.reserveFloor", Title: "Futures reserve floor",
		Description: "Futures wallet may never drop below this after a sweep",
		Category:    "treasury", Safety: SafetyRaiseOnly, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeNumber, Min: f(0)}, Default: 200.0,
	},
	{
		Key: "treasury.sweepThresholdFrac", Title: "Sweep threshold fraction",
		Description: "Excess over the high watermark required before sweeping",
		Category:    "treasury", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeNumber, Min: f(0), Max: f(1)}, Default: 0.20,
	},
	{
		Key: "treasury.sweepSchedule", Title: "Sweep schedule",
		Description: "Cron expression for the scheduled sweep check",
		Category:    "treasury", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyRestart,
		Schema: Schema{Type: TypeString}, Default: "0 0 * * *",
	},
	{
		Key: "treasury.maxRetries", Title: "Sweep retry budget",
		Description: "Transfer retries before a sweep attempt is marked failed",
		Category:    "treasury", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeInteger, Min: f(0), Max: f(10)}, Default: 3.0,
	},

	// Breaker
	{
		Key: "breaker.consecutiveLossLimit", Title: "Consecutive loss limit",
		Description: "Losses within the window that trigger a soft halt",
		Category:    "breaker", Safety: SafetyTightenOnly, RiskDirection: HigherIsRiskier,
		Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeInteger, Min: f(1), Max: f(50)}, Default: 3.0,
	},
	{
		Key: "breaker.lossWindowMinutes", Title: "Loss window",
		Description: "Rolling window for the consecutive-loss count, in minutes",
		Category:    "breaker", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeInteger, Min: f(1)}, Default: 60.0,
	},
	{
		Key: "breaker.cooldownMinutes", Title: "Soft-halt cooldown",
		Description: "Minutes before a soft halt auto-expires",
		Category:    "breaker", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeInteger, Min: f(1)}, Default: 30.0,
	},
	{
		Key: "breaker.maxDailyDrawdown", Title: "Max daily drawdown",
		Description: "Daily drawdown fraction that forces a hard halt",
		Category:    "breaker", Safety: SafetyTightenOnly, RiskDirection: HigherIsRiskier,
		Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeNumber, Min: f(0.01), Max: f(1)}, Default: 0.15,
	},
	{
		Key: "breaker.minEquity", Title: "Minimum equity",
		Description: "Equity at or below this forces a hard halt",
		Category:    "breaker", Safety: SafetyRaiseOnly, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeNumber, Min: f(0)}, Default: 150.0,
	},

	// Arbiter
	{
		Key: "arbiter.maxSinglePositionFrac", Title: "Single-position equity fraction",
		Description: "Ceiling on one position as a fraction of phase budget",
		Category:    "arbiter", Safety: SafetyTightenOnly, RiskDirection: HigherIsRiskier,
		Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeNumber, Min: f(0), Max: f(1)}, Default: 1.0,
	},
	{
		Key: "arbiter.intentDeadlineMs", Title: "Intent deadline",
		Description: "Per-intent processing deadline in milliseconds",
		Category:    "arbiter", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeInteger, Min: f(50), Max: f(60000)}, Default: 1000.0,
	},
	{
		Key: "arbiter.workerCount", Title: "Arbitration workers",
		Description: "Fixed size of the intent worker pool",
		Category:    "arbiter", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyRestart,
		Schema: Schema{Type: TypeInteger, Min: f(1), Max: f(64)}, Default: 4.0,
	},
	{
		Key: "arbiter.queueCapacity", Title: "Signal queue capacity",
		Description: "Bounded depth of the priority signal queue",
		Category:    "arbiter", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyRestart,
		Schema: Schema{Type: TypeInteger, Min: f(16), Max: f(65536)}, Default: 1024.0,
	},
	{
		Key: "arbiter.decisionRetentionDays", Title: "Decision retention",
		Description: "Days of decision records kept before trimming",
		Category:    "arbiter", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeInteger, Min: f(1), Max: f(365)}, Default: 30.0,
	},

	// Execution routing
	{
		Key: "exec.venue", Title: "Execution venue",
		Description: "Venue token encoded into outbound command subjects",
		Category:    "exec", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeString}, Default: "binance",
	},
	{
		Key: "exec.account", Title: "Execution account",
		Description: "Account token encoded into outbound command subjects",
		Category:    "exec", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyLive,
		Schema: Schema{Type: TypeString}, Default: "main",
	},

	// Bus
	{
		Key: "bus.publishTimeoutMs", Title: "Publish timeout",
		Description: "Per-call timeout on outbound publishes, in milliseconds",
		Category:    "bus", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyRestart,
		Schema: Schema{Type: TypeInteger, Min: f(100), Max: f(30000)}, Default: 2000.0,
	},
	{
		Key: "bus.publishMaxRetries", Title: "Publish retry budget",
		Description: "Retries before an outbound publish is dead-lettered",
		Category:    "bus", Safety: SafetyTunable, Scope: "global", Storage: "db", Apply: ApplyRestart,
		Schema: Schema{Type: TypeInteger, Min: f(0), Max: f(10)}, Default: 3.0,
	},

	// Secrets
	{
		Key: "secrets.receiptSigningKey", Title: "Receipt signing key",
		Description: "HMAC secret for config receipts",
		Category:    "secrets", Safety: SafetyImmutable, Scope: "global", Storage: "env", Apply: ApplyDeploy,
		Schema: Schema{Type: TypeString}, Default: "", Secret: true,
	},
}
