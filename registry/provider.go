package registry

import (
	"math/rand"
	"sort"

	"github.com/Laisky/errors/v2"

	"github.com/relaymesh/gateway/model"
)

// ResolveProviders returns providers supporting canonicalModel, grouped
// by priority (desc) and shuffled within a tier weighted by provider
// weight. Providers with enabled=false or that don't support the model
// are excluded by the underlying query.
func ResolveProviders(canonicalModel string) ([]*model.Provider, error) {
	providers, err := model.CacheGetProvidersForModel(canonicalModel)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve providers for model=%s", canonicalModel)
	}
	if len(providers) == 0 {
		return nil, nil
	}

	tiers := map[int][]*model.Provider{}
	priorities := make([]int, 0, 4)
	for _, p := range providers {
		if _, ok := tiers[p.Priority]; !ok {
			priorities = append(priorities, p.Priority)
		}
		tiers[p.Priority] = append(tiers[p.Priority], p)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	out := make([]*model.Provider, 0, len(providers))
	for _, prio := range priorities {
		out = append(out, weightedShuffle(tiers[prio])...)
	}
	return out, nil
}

func weightedShuffle(tier []*model.Provider) []*model.Provider {
	remaining := append([]*model.Provider(nil), tier...)
	out := make([]*model.Provider, 0, len(tier))

	for len(remaining) > 0 {
		total := 0
		for _, p := range remaining {
			w := p.Weight
			if w <= 0 {
				w = 1
			}
			total += w
		}
		n := rand.Intn(total)
		idx := 0
		for i, p := range remaining {
			w := p.Weight
			if w <= 0 {
				w = 1
			}
			if n < w {
				idx = i
				break
			}
			n -= w
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}

// FilterByGroup narrows providers to those matching group. The dispatcher
// separately builds an extension pool from the remaining providers when
// a token's cross-group retry flag is set and the primary group is
// exhausted.
func FilterByGroup(providers []*model.Provider, group string) []*model.Provider {
	out := make([]*model.Provider, 0, len(providers))
	for _, p := range providers {
		if p.Group == group {
			out = append(out, p)
		}
	}
	return out
}
