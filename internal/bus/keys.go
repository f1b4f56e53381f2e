package bus

// Well-known stream topics shared between services.
const (
	TopicBookAggregate = "bitvavo:book"
	TopicTicker24h     = "bitvavo:ticker24h"
	TopicTrades        = "bitvavo:trades"
)

// TopicBookMarket is the per-market archive topic for raw book events.
func TopicBookMarket(market string) string { return "bitvavo:book:" + market }

// TopicCandles is the candle topic for one interval, e.g. bitvavo:candles:1m.
func TopicCandles(interval string) string { return "bitvavo:candles:" + interval }

// Well-known KV keys.
const (
	KeyEURAvailable   = "account:eur_available"
	KeySlotBudgetEUR  = "account:slot_budget_eur"
	KeyExposure       = "trading:exposure" // hash market → eur, plus "_global"
	KeyPositions      = "trading:positions"
	KeyKillSwitch     = "trading:kill"
	KeyActiveSet      = "active_markets"
	KeyActiveList     = "active_markets:list"
	KeyActiveVersion  = "active_markets:version"
	KeyGuardRunning   = "guard:active_markets"
	KeyPrecisionCache = "trading:precision_cache" // hash market → accepted amount decimals
)

// GlobalExposureField is the synthetic hash field holding the exposure sum.
const GlobalExposureField = "_global"

// KeyGuardLock is the per-market guard lease.
func KeyGuardLock(market string) string { return "lock:guard:" + market }

// KeyVirtualPosition is the per-market virtual position blob.
func KeyVirtualPosition(market string) string { return "virtpos:" + market }
