package signals

import "math"

// Levels is the normalized protective geometry for one signal.
type Levels struct {
	Entry      float64
	StopLoss   float64
	TakeProfit float64
}

// NormalizeLevels caps the stop loss at maxSLPoints from the entry,
// installs a default stop at defaultSLPoints when the hint is absent, and
// re-derives the take profit from the final stop distance and the
// risk/reward ratio. The caller's TP hint is always discarded; targets
// derived from the capped risk stay realistic, hinted ones do not. The same
// normalization runs in the validator and again in the executor before the
// order leaves the process.
func NormalizeLevels(side Recommendation, entry, slHint float64, maxSLPoints, defaultSLPoints, rrRatio float64) Levels {
	lv := Levels{Entry: entry}

	distance := defaultSLPoints
	if slHint > 0 {
		distance = math.Abs(entry - slHint)
		if distance > maxSLPoints {
			distance = maxSLPoints
		}
	}

	if side == RecommendSell {
		lv.StopLoss = entry + distance
		lv.TakeProfit = entry - distance*rrRatio
	} else {
		lv.StopLoss = entry - distance
		lv.TakeProfit = entry + distance*rrRatio
	}
	return lv
}
