package cache

import (
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vary-cache/types"
	"github.com/saiset-co/sai-vary-cache/vary"
)

type storeItem struct {
	input      types.StoreEntryInput
	variantKey string
	keys       vary.Keys
}

type resourceBatch struct {
	id       string
	variants map[string]*storeItem
	order    []string
}

// groupInputs buckets inputs by id then variant key, preserving first-seen
// order. Only the newest entry per variant is kept; on a birth date tie the
// later input wins. Inputs that would expire immediately are dropped.
func groupInputs(logger types.Logger, inputs []types.StoreEntryInput) ([]*resourceBatch, error) {
	byID := make(map[string]*resourceBatch)
	batches := make([]*resourceBatch, 0)

	for _, input := range inputs {
		id := input.Entry.ID
		if id == "" {
			return nil, types.ErrResourceIDEmpty
		}

		if input.MaxStoreFor <= 0 {
			logger.Debug("Dropping entry that would expire immediately",
				zap.String("id", id), zap.Duration("max_store_for", input.MaxStoreFor))
			continue
		}

		variantKey, err := vary.ResultVariantKey(input.Entry.Vary)
		if err != nil {
			return nil, types.WrapError(err, "failed to compute variant key for "+id)
		}

		batch, ok := byID[id]
		if !ok {
			batch = &resourceBatch{id: id, variants: make(map[string]*storeItem)}
			byID[id] = batch
			batches = append(batches, batch)
		}

		existing, ok := batch.variants[variantKey]
		if ok {
			kept := input
			if input.Entry.BirthDate().Before(existing.input.Entry.BirthDate()) {
				kept = existing.input
			}

			logger.Warn("Unable to store two entries for the same variant, one will be ignored",
				zap.String("id", id),
				zap.String("variant_key", variantKey),
				zap.Time("kept_birth_date", kept.Entry.BirthDate()))

			if input.Entry.BirthDate().Before(existing.input.Entry.BirthDate()) {
				continue
			}
		} else {
			batch.order = append(batch.order, variantKey)
		}

		batch.variants[variantKey] = &storeItem{
			input:      input,
			variantKey: variantKey,
			keys:       vary.KeysOf(input.Entry.Vary),
		}
	}

	return batches, nil
}

// varyKeysSets returns the canonical non-empty name sets of the batch.
func (b *resourceBatch) varyKeysSets() ([]string, error) {
	seen := make(map[string]struct{})
	sets := make([]string, 0)

	for _, variantKey := range b.order {
		keys := b.variants[variantKey].keys
		if keys.IsEmpty() {
			continue
		}

		set, err := keys.Canonical()
		if err != nil {
			return nil, types.WrapError(err, "failed to encode vary keys for "+b.id)
		}
		if _, ok := seen[set]; ok {
			continue
		}

		seen[set] = struct{}{}
		sets = append(sets, set)
	}

	return sets, nil
}
