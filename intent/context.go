package intent

import "time"

// HealthSource reports how many downstream services are currently healthy.
// The service registry satisfies this.
type HealthSource interface {
	HealthyCount() int
}

// computeFactors derives the contextual factor values for a request. Each
// raw signal is multiplied by its configured weight and clamped to [0,1].
func computeFactors(req *Request, factors map[string]ContextFactor, health HealthSource, now time.Time) map[string]float64 {
	out := make(map[string]float64, len(factors))

	raw := func(name string) float64 {
		switch name {
		case "userProfile":
			if req.Context != nil && req.Context.UserID != "" {
				return 0.7
			}
			return 0.5
		case "requestMetadata":
			if len(req.Headers) > 0 {
				return 0.6
			}
			return 0.5
		case "systemState":
			if health != nil && health.HealthyCount() > 5 {
				return 0.8
			}
			return 0.4
		case "temporalContext":
			if hour := now.Hour(); hour >= 9 && hour < 17 {
				return 0.9
			}
			return 0.4
		case "businessLogic":
			return 0.75
		default:
			return 0.5
		}
	}

	for name, cfg := range factors {
		weight := cfg.Weight
		if weight <= 0 {
			weight = 1.0
		}
		v := raw(name) * weight
		if v > 1 {
			v = 1
		}
		if v < 0 {
			v = 0
		}
		out[name] = v
	}
	return out
}

// contextMultiplier derives the fusion multiplier from the factor values:
// 1 + (avg - 0.5) * 0.4, so a neutral context leaves scores untouched.
func contextMultiplier(factors map[string]float64) float64 {
	if len(factors) == 0 {
		return 1.0
	}
	var sum float64
	for _, v := range factors {
		sum += v
	}
	avg := sum / float64(len(factors))
	return 1 + (avg-0.5)*0.4
}
