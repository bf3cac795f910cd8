package sampler

import (
	"math"
	"sort"

	"github.com/intelligencedev/localforge/internal/config"
)

// penaltyStage applies repeat/frequency/presence penalties over the
// recent-token window (cfg.RepeatLastN tokens, most-recent last).
func penaltyStage(cfg config.SamplerConfig) stage {
	return func(cand []candidate, recent []int32) []candidate {
		window := recent
		if cfg.RepeatLastN > 0 && len(window) > cfg.RepeatLastN {
			window = window[len(window)-cfg.RepeatLastN:]
		}
		counts := make(map[int32]int, len(window))
		for _, t := range window {
			counts[t]++
		}
		seen := make(map[int32]bool, len(window))
		for i := len(window) - 1; i >= 0; i-- {
			seen[window[i]] = true
		}

		out := make([]candidate, len(cand))
		copy(out, cand)
		for i, c := range out {
			n := counts[c.id]
			if n == 0 {
				continue
			}
			if cfg.RepeatPenalty > 1.0 {
				if c.logit > 0 {
					c.logit /= float32(cfg.RepeatPenalty)
				} else {
					c.logit *= float32(cfg.RepeatPenalty)
				}
			}
			c.logit -= float32(cfg.FrequencyPenalty) * float32(n)
			if seen[c.id] {
				c.logit -= float32(cfg.PresencePenalty)
			}
			out[i] = c
		}
		return out
	}
}

// dryStage is a simplified DRY (Don't Repeat Yourself) repetition
// penalty: it penalizes tokens that would extend a suffix already seen
// verbatim in the recent window, scaled by cfg.DRYMultiplier/DRYBase.
func dryStage(cfg config.SamplerConfig) stage {
	return func(cand []candidate, recent []int32) []candidate {
		if len(recent) < cfg.DRYAllowedLength {
			return cand
		}
		suffix := recent[len(recent)-cfg.DRYAllowedLength:]

		out := make([]candidate, len(cand))
		copy(out, cand)
		for i, c := range out {
			matchLen := longestSuffixMatch(recent, suffix, c.id)
			if matchLen < cfg.DRYAllowedLength {
				continue
			}
			penalty := cfg.DRYMultiplier * math.Pow(cfg.DRYBase, float64(matchLen-cfg.DRYAllowedLength))
			c.logit -= float32(penalty)
			out[i] = c
		}
		return out
	}
}

// longestSuffixMatch measures how long a run ending in candidate id
// would repeat a prior occurrence of the same suffix in history.
func longestSuffixMatch(history []int32, suffix []int32, candidateID int32) int {
	extended := append(append([]int32{}, suffix...), candidateID)
	best := 0
	for start := 0; start+len(extended) <= len(history); start++ {
		n := 0
		for n < len(extended) && history[start+n] == extended[n] {
			n++
		}
		if n > best {
			best = n
		}
	}
	return best
}

func topNSigmaStage(cfg config.SamplerConfig) stage {
	return func(cand []candidate, _ []int32) []candidate {
		if cfg.TopNSigma <= 0 {
			return cand
		}
		var mean float64
		for _, c := range cand {
			mean += float64(c.logit)
		}
		mean /= float64(len(cand))
		var variance float64
		for _, c := range cand {
			d := float64(c.logit) - mean
			variance += d * d
		}
		variance /= float64(len(cand))
		sigma := math.Sqrt(variance)

		maxLogit := cand[0].logit
		for _, c := range cand[1:] {
			if c.logit > maxLogit {
				maxLogit = c.logit
			}
		}
		threshold := float64(maxLogit) - cfg.TopNSigma*sigma

		out := make([]candidate, 0, len(cand))
		for _, c := range cand {
			if float64(c.logit) >= threshold {
				out = append(out, c)
			}
		}
		return nonEmpty(out, cand)
	}
}

func temperatureStage(cfg config.SamplerConfig) stage {
	return func(cand []candidate, _ []int32) []candidate {
		t := cfg.Temperature
		if t <= 0 {
			t = 1
		}
		out := make([]candidate, len(cand))
		for i, c := range cand {
			out[i] = candidate{id: c.id, logit: float32(float64(c.logit) / t)}
		}
		return out
	}
}

// dynamicTempStage widens or narrows the effective temperature based on
// the entropy of the current distribution, the llama.cpp "temp_ext"
// behavior backing spec's TempExt sampler kind.
func dynamicTempStage(cfg config.SamplerConfig) stage {
	return func(cand []candidate, recent []int32) []candidate {
		probs := softmax(cand)
		var entropy float64
		for _, p := range probs {
			if p > 0 {
				entropy -= p * math.Log2(p)
			}
		}
		maxEntropy := math.Log2(float64(len(cand)))
		ratio := 1.0
		if maxEntropy > 0 {
			ratio = entropy / maxEntropy
		}
		dynamicTemp := cfg.Temperature * (0.5 + ratio)
		return temperatureStage(config.SamplerConfig{Temperature: dynamicTemp})(cand, recent)
	}
}

func topKStage(cfg config.SamplerConfig) stage {
	return func(cand []candidate, _ []int32) []candidate {
		k := cfg.TopK
		if k <= 0 || k >= len(cand) {
			return cand
		}
		sorted := sortedByLogitDesc(cand)
		return sorted[:k]
	}
}

func topPStage(cfg config.SamplerConfig) stage {
	return func(cand []candidate, _ []int32) []candidate {
		p := cfg.TopP
		if p <= 0 || p >= 1 {
			return cand
		}
		sorted := sortedByLogitDesc(cand)
		probs := softmax(sorted)
		var cum float64
		cut := len(sorted)
		for i, pr := range probs {
			cum += pr
			if cum >= p {
				cut = i + 1
				break
			}
		}
		return sorted[:cut]
	}
}

func minPStage(cfg config.SamplerConfig) stage {
	return func(cand []candidate, _ []int32) []candidate {
		if cfg.MinP <= 0 {
			return cand
		}
		probs := softmax(cand)
		var maxProb float64
		for _, p := range probs {
			if p > maxProb {
				maxProb = p
			}
		}
		threshold := cfg.MinP * maxProb
		out := make([]candidate, 0, len(cand))
		for i, c := range cand {
			if probs[i] >= threshold {
				out = append(out, c)
			}
		}
		return nonEmpty(out, cand)
	}
}

func typicalStage(cfg config.SamplerConfig) stage {
	return func(cand []candidate, _ []int32) []candidate {
		if cfg.TypicalP <= 0 || cfg.TypicalP >= 1 {
			return cand
		}
		probs := softmax(cand)
		var entropy float64
		for _, p := range probs {
			if p > 0 {
				entropy -= p * math.Log2(p)
			}
		}
		type scored struct {
			c    candidate
			dist float64
		}
		scores := make([]scored, len(cand))
		for i, c := range cand {
			surprise := -math.Log2(math.Max(probs[i], 1e-12))
			scores[i] = scored{c: c, dist: math.Abs(surprise - entropy)}
		}
		sort.Slice(scores, func(i, j int) bool { return scores[i].dist < scores[j].dist })

		var cum float64
		cut := len(scores)
		for i, s := range scores {
			idx := indexOf(cand, s.c.id)
			cum += probs[idx]
			if cum >= cfg.TypicalP {
				cut = i + 1
				break
			}
		}
		out := make([]candidate, cut)
		for i := 0; i < cut; i++ {
			out[i] = scores[i].c
		}
		return nonEmpty(out, cand)
	}
}

func indexOf(cand []candidate, id int32) int {
	for i, c := range cand {
		if c.id == id {
			return i
		}
	}
	return 0
}

func sortedByLogitDesc(cand []candidate) []candidate {
	out := make([]candidate, len(cand))
	copy(out, cand)
	sort.Slice(out, func(i, j int) bool { return out[i].logit > out[j].logit })
	return out
}

// nonEmpty guards against a filter stage narrowing a distribution to
// nothing (e.g. floating-point edge cases): fall back to the
// pre-filter candidates rather than let the terminal node panic on an
// empty slice.
func nonEmpty(filtered, fallback []candidate) []candidate {
	if len(filtered) == 0 {
		return fallback
	}
	return filtered
}
