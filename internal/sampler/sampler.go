// Package sampler builds sampler chains from configuration and applies
// them to a model's logits each decode step. It has no dependency on
// internal/llamart: it operates on plain token-id/logit slices so it
// can be exercised without a loaded model.
package sampler

import (
	"math"
	"math/rand"

	"github.com/intelligencedev/localforge/internal/config"
)

// Chain is a constructed sampler ready to pick a token from a logits
// vector, given the recently-generated tokens (for penalty/DRY windows).
type Chain struct {
	cfg   config.SamplerConfig
	stages []stage
	terminal terminal
	rng   *rand.Rand

	// mirostat state, used only when cfg.Kind == SamplerMirostat.
	mirostatMu float64
}

// stage narrows or reweights a candidate distribution in place.
type stage func(cand []candidate, recent []int32) []candidate

// terminal performs the final token selection from the (possibly
// narrowed) candidate set.
type terminal func(c *Chain, cand []candidate) int32

type candidate struct {
	id     int32
	logit  float32
}

// Build constructs the chain named by cfg.Kind: penalties and DRY are
// prepended only when they'd have an effect, and every chain except
// Greedy and Mirostat ends with a `dist` (weighted random) terminal node
// seeded from cfg.Seed for reproducibility.
//
// Mirostat is a standalone sampler and never chains with penalties/DRY;
// Greedy only picks up penalties (and, riding along with them, DRY) when
// a penalty is actually active, matching the reference sampler.
func Build(cfg config.SamplerConfig) *Chain {
	c := &Chain{
		cfg: cfg,
		rng: rand.New(rand.NewSource(int64(cfg.Seed))),
		mirostatMu: 2 * cfg.MirostatTau,
	}

	switch cfg.Kind {
	case config.SamplerGreedy:
		if hasPenalties(cfg) {
			c.stages = append(c.stages, penaltyStage(cfg))
			if cfg.DRYMultiplier > 0 {
				c.stages = append(c.stages, dryStage(cfg))
			}
		}
		c.terminal = greedyTerminal

	case config.SamplerMirostat:
		c.terminal = mirostatTerminal

	case config.SamplerTemperature:
		c.prependPenaltiesAndDRY()
		c.stages = append(c.stages, topNSigmaStage(cfg), temperatureStage(cfg), topKStage(cfg), topPStage(cfg), minPStage(cfg))
		c.terminal = distTerminal

	case config.SamplerTopP:
		c.prependPenaltiesAndDRY()
		c.stages = append(c.stages, topNSigmaStage(cfg), topPStage(cfg))
		c.terminal = distTerminal

	case config.SamplerTopK:
		c.prependPenaltiesAndDRY()
		c.stages = append(c.stages, topNSigmaStage(cfg), topKStage(cfg))
		c.terminal = distTerminal

	case config.SamplerTypical:
		c.prependPenaltiesAndDRY()
		c.stages = append(c.stages, topNSigmaStage(cfg), typicalStage(cfg))
		c.terminal = distTerminal

	case config.SamplerMinP:
		c.prependPenaltiesAndDRY()
		c.stages = append(c.stages, topNSigmaStage(cfg), minPStage(cfg))
		c.terminal = distTerminal

	case config.SamplerTempExt:
		c.prependPenaltiesAndDRY()
		c.stages = append(c.stages, topNSigmaStage(cfg), dynamicTempStage(cfg))
		c.terminal = distTerminal

	case config.SamplerChainTempTopP:
		c.prependPenaltiesAndDRY()
		c.stages = append(c.stages, temperatureStage(cfg), topPStage(cfg))
		c.terminal = distTerminal

	case config.SamplerChainTempTopK:
		c.prependPenaltiesAndDRY()
		c.stages = append(c.stages, temperatureStage(cfg), topKStage(cfg))
		c.terminal = distTerminal

	case config.SamplerChainFull:
		c.prependPenaltiesAndDRY()
		c.stages = append(c.stages, temperatureStage(cfg), topKStage(cfg), topPStage(cfg))
		if cfg.MinP > 0 {
			c.stages = append(c.stages, minPStage(cfg))
		}
		if cfg.TypicalP < 1 {
			c.stages = append(c.stages, typicalStage(cfg))
		}
		c.terminal = distTerminal

	default:
		c.terminal = greedyTerminal
	}

	return c
}

func hasPenalties(cfg config.SamplerConfig) bool {
	return cfg.RepeatPenalty > 1.0 || cfg.FrequencyPenalty > 0 || cfg.PresencePenalty > 0
}

// prependPenaltiesAndDRY pushes the penalty stage (if any penalty is
// active) and the DRY stage (if enabled) ahead of a chain's narrowing
// stages. Not used by Greedy or Mirostat: Greedy only takes DRY
// alongside an active penalty, and Mirostat never chains with either.
func (c *Chain) prependPenaltiesAndDRY() {
	if hasPenalties(c.cfg) {
		c.stages = append(c.stages, penaltyStage(c.cfg))
	}
	if c.cfg.DRYMultiplier > 0 {
		c.stages = append(c.stages, dryStage(c.cfg))
	}
}

// Sample picks the next token id from logits, given the window of
// recently-generated token ids (used by the penalty/DRY stages; pass at
// most cfg.RepeatLastN of them, most-recent last).
func (c *Chain) Sample(logits []float32, recent []int32) int32 {
	cand := make([]candidate, len(logits))
	for i, l := range logits {
		cand[i] = candidate{id: int32(i), logit: l}
	}
	for _, st := range c.stages {
		cand = st(cand, recent)
	}
	return c.terminal(c, cand)
}

func greedyTerminal(_ *Chain, cand []candidate) int32 {
	best := cand[0]
	for _, x := range cand[1:] {
		if x.logit > best.logit {
			best = x
		}
	}
	return best.id
}

// distTerminal applies softmax over whatever candidates survived
// narrowing and draws from that distribution using the chain's seeded
// rng, so the same seed always reproduces the same draw.
func distTerminal(c *Chain, cand []candidate) int32 {
	probs := softmax(cand)
	r := c.rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += p
		if r <= cum {
			return cand[i].id
		}
	}
	return cand[len(cand)-1].id
}

// mirostatTerminal implements mirostat v2: it maintains a running target
// surprise value (mu) and narrows to tokens under that surprise bound
// before drawing from the remaining distribution.
func mirostatTerminal(c *Chain, cand []candidate) int32 {
	probs := softmax(cand)
	type scored struct {
		idx      int
		surprise float64
	}
	scores := make([]scored, len(cand))
	for i, p := range probs {
		scores[i] = scored{idx: i, surprise: -math.Log2(math.Max(p, 1e-12))}
	}

	kept := make([]int, 0, len(scores))
	for _, s := range scores {
		if s.surprise <= c.mirostatMu {
			kept = append(kept, s.idx)
		}
	}
	if len(kept) == 0 {
		kept = []int{0}
	}

	sub := make([]candidate, len(kept))
	for i, idx := range kept {
		sub[i] = cand[idx]
	}
	subProbs := softmax(sub)

	r := c.rng.Float64()
	var cum float64
	chosen := sub[len(sub)-1]
	chosenSurprise := -math.Log2(math.Max(subProbs[len(subProbs)-1], 1e-12))
	for i, p := range subProbs {
		cum += p
		if r <= cum {
			chosen = sub[i]
			chosenSurprise = -math.Log2(math.Max(p, 1e-12))
			break
		}
	}

	c.mirostatMu -= c.cfg.MirostatEta * (chosenSurprise - c.cfg.MirostatTau)
	return chosen.id
}

func softmax(cand []candidate) []float64 {
	if len(cand) == 0 {
		return nil
	}
	max := cand[0].logit
	for _, c := range cand[1:] {
		if c.logit > max {
			max = c.logit
		}
	}
	exps := make([]float64, len(cand))
	var sum float64
	for i, c := range cand {
		e := math.Exp(float64(c.logit - max))
		exps[i] = e
		sum += e
	}
	if sum == 0 {
		sum = 1
	}
	for i := range exps {
		exps[i] /= sum
	}
	return exps
}
