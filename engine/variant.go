package engine

import (
	"context"
)

// VariantSelector rotates through a step's message variants in strict round
// robin, backed by the persisted per-(sequence, step) cursor so rotation
// survives restarts and stays fair across worker processes.
type VariantSelector struct {
	repo Repository
}

func NewVariantSelector(repo Repository) *VariantSelector {
	return &VariantSelector{repo: repo}
}

// Select returns the next variant for the (sequence, step) key. A single
// variant is returned as-is without touching the cursor.
func (vs *VariantSelector) Select(ctx context.Context, sequenceID uint, stepIndex int, variants []string) (string, error) {
	switch len(variants) {
	case 0:
		return "", configErrorf("step %d of sequence %d has no variants", stepIndex, sequenceID)
	case 1:
		return variants[0], nil
	}

	idx, err := vs.repo.NextVariantIndex(ctx, sequenceID, stepIndex, len(variants))
	if err != nil {
		return "", err
	}
	if idx < 0 || idx >= len(variants) {
		return "", configErrorf("variant cursor for sequence %d step %d out of range: %d", sequenceID, stepIndex, idx)
	}
	return variants[idx], nil
}
