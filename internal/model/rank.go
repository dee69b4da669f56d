package model

import (
	"cmp"
	"math"
	"slices"
	"strings"
)

// Rank pairs classes with their probabilities and returns the k best,
// highest confidence first. Equal confidences are ordered by breed name
// (byte-wise ascending) so the result is fully deterministic.
func Rank(classes []string, probs []float32, k int) []Candidate {
	candidates := make([]Candidate, len(classes))
	for i, name := range classes {
		candidates[i] = Candidate{BreedName: name, Confidence: probs[i]}
	}

	slices.SortFunc(candidates, func(a, b Candidate) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return strings.Compare(a.BreedName, b.BreedName)
	})

	if k > 0 && k < len(candidates) {
		candidates = candidates[:k]
	}
	return candidates
}

// Softmax converts logits into a probability distribution.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}

	exps := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		exps[i] = math.Exp(float64(v - maxLogit))
		sum += exps[i]
	}

	probs := make([]float32, len(logits))
	for i, e := range exps {
		probs[i] = float32(e / sum)
	}
	return probs
}
