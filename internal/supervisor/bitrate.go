package supervisor

// Tier is a target video bitrate level.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Bitrate returns the target bitrate for a tier in bits per second.
func (t Tier) Bitrate() int {
	switch t {
	case TierLow:
		return 300_000
	case TierMedium:
		return 1_000_000
	default:
		return 2_500_000
	}
}

// BitrateSink receives target bitrate changes from the controller. The
// encoder side of a media source implements this.
type BitrateSink interface {
	SetTargetBitrate(bps int)
}

// Loss thresholds for tier movement. A downgrade fires on a single bad
// sample; an upgrade needs upgradeStreak consecutive clean samples so a
// briefly quiet link does not bounce the encoder up and down.
const (
	degradeLoss   = 0.10
	collapseLoss  = 0.25
	recoverLoss   = 0.02
	upgradeStreak = 3
)

// BitrateController maps observed packet loss to a bitrate tier with
// hysteresis. It is driven from the supervisor's stats loop and is not
// goroutine-safe on its own.
type BitrateController struct {
	tier  Tier
	clean int
	sink  BitrateSink
}

// NewBitrateController starts at the high tier.
func NewBitrateController(sink BitrateSink) *BitrateController {
	return &BitrateController{tier: TierHigh, sink: sink}
}

// Tier returns the current tier.
func (c *BitrateController) Tier() Tier {
	return c.tier
}

// Observe ingests one loss sample (fraction of packets lost, 0..1) and
// pushes a new target to the sink when the tier changes.
func (c *BitrateController) Observe(fractionLost float64) {
	next := c.tier

	switch {
	case fractionLost >= collapseLoss:
		next = TierLow
		c.clean = 0
	case fractionLost >= degradeLoss:
		next = lowerTier(c.tier)
		c.clean = 0
	case fractionLost <= recoverLoss:
		c.clean++
		if c.clean >= upgradeStreak {
			next = raiseTier(c.tier)
			c.clean = 0
		}
	default:
		c.clean = 0
	}

	if next != c.tier {
		c.tier = next
		if c.sink != nil {
			c.sink.SetTargetBitrate(next.Bitrate())
		}
	}
}

func lowerTier(t Tier) Tier {
	switch t {
	case TierHigh:
		return TierMedium
	default:
		return TierLow
	}
}

func raiseTier(t Tier) Tier {
	switch t {
	case TierLow:
		return TierMedium
	default:
		return TierHigh
	}
}
