package agent

import (
	"optguard/internal/ratelimit"
	"optguard/internal/safety/gate"
)

// 决策原因标签，稳定且可被机器解析。
const (
	TagKillSwitch         = gate.TagKillSwitch
	TagKillSwitchFlatten  = gate.TagKillSwitchFlatten
	TagCircuitBreaker     = gate.TagCircuitBreaker
	TagForceClose         = gate.TagForceClose
	TagStopLoss           = gate.TagStopLoss
	TagPositionLimits     = gate.TagPositionLimits
	TagAccountRisk        = gate.TagAccountRisk
	TagGreeks             = gate.TagGreeks
	TagDualGate           = gate.TagDualGate
	TagRateLimited        = ratelimit.TagRateLimited
	TagScanBudgetExceeded = ratelimit.TagBudgetExceeded
	TagNoConsensus        = "NO_CONSENSUS"
	TagPriceUnavailable   = "PRICE_UNAVAILABLE"
	TagOrderPending       = "ORDER_PENDING"
)
