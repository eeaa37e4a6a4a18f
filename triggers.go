package orion

import (
	"context"
	"math"
	"time"
)

// voiThreshold is the Value-of-Information floor for proactive sends.
const voiThreshold = 0.3

// Trigger is one proactive rule. Evaluate inspects recent history and
// either proposes a message or declines the tick.
type Trigger struct {
	Name     string
	Category string // "reminder", "insight", "checkin"
	// Priority in [0, 1] seeds P(benefit).
	Priority float64
	Evaluate func(ctx context.Context, userID string, history []Message) (string, bool)
}

// TriggerContext is the multi-dimensional context predicted per candidate
// before the VoI gate. All dimensions are in [0, 1].
type TriggerContext struct {
	// Recency is how recently the user was active; 1 = just now.
	Recency float64
	// Frequency is how chatty the recent window is.
	Frequency float64
	// ChannelActivity is whether any channel is currently connected.
	ChannelActivity float64
	// TypicalHour is how usual this hour is for the user.
	TypicalHour float64
	// Urgency comes from the trigger itself.
	Urgency float64
}

// benefitValues maps trigger categories to benefit estimates.
var benefitValues = map[string]float64{
	"reminder": 0.9,
	"insight":  0.6,
	"checkin":  0.4,
}

const (
	proactiveActionCost      = 0.1
	quietHoursDisturbance    = 0.5
	recentContactDisturbance = 0.3
)

// PredictContext derives the trigger context from recent history. now
// anchors the recency and typical-hour dimensions.
func PredictContext(history []Message, channelsConnected bool, now time.Time) TriggerContext {
	tc := TriggerContext{TypicalHour: typicalHourScore(now)}
	if channelsConnected {
		tc.ChannelActivity = 1
	}
	if len(history) == 0 {
		return tc
	}

	last := history[len(history)-1].CreatedAt
	age := now.Unix() - last
	if age < 0 {
		age = 0
	}
	// Decays to ~0 over two hours.
	tc.Recency = math.Exp(-float64(age) / 3600)

	window := now.Add(-24 * time.Hour).Unix()
	recent := 0
	for _, m := range history {
		if m.CreatedAt >= window {
			recent++
		}
	}
	tc.Frequency = math.Min(float64(recent)/20, 1)
	return tc
}

// typicalHourScore favors waking hours; the deep night scores near zero.
func typicalHourScore(now time.Time) float64 {
	switch h := now.Hour(); {
	case h >= 9 && h <= 21:
		return 1
	case h >= 7 && h < 9, h > 21 && h <= 23:
		return 0.5
	default:
		return 0.1
	}
}

// ComputeVoI scores one candidate message:
//
//	VoI = P(benefit)·benefit_value − action_cost − disturbance_cost
//
// P(benefit) starts from the trigger priority and is adjusted by context;
// disturbance grows with quiet hours and recent contact. The caller sends
// only when the result exceeds the threshold.
func ComputeVoI(trigger Trigger, tc TriggerContext, quietHours bool) float64 {
	pBenefit := trigger.Priority * (0.4 + 0.3*tc.TypicalHour + 0.2*tc.ChannelActivity + 0.1*tc.Urgency)
	benefit, ok := benefitValues[trigger.Category]
	if !ok {
		benefit = 0.5
	}

	disturbance := 0.0
	if quietHours {
		disturbance += quietHoursDisturbance
	}
	// Pinging someone who just stopped typing is disturbance, not help.
	disturbance += recentContactDisturbance * tc.Recency

	return pBenefit*benefit - proactiveActionCost - disturbance
}

// QuietHours reports whether t falls in the default do-not-disturb window
// (23:00 to 07:00 local).
func QuietHours(t time.Time) bool {
	h := t.Hour()
	return h >= 23 || h < 7
}
