package engine

import (
	"strings"

	"spider-admin/internal/spiderd/store"
)

// EnvironmentResolver flattens a spider's bound environments into one
// key/value map. Bindings are walked in binding order, so on key collision
// the later-bound environment wins.
type EnvironmentResolver struct {
	store store.Store
}

func NewEnvironmentResolver(st store.Store) *EnvironmentResolver {
	return &EnvironmentResolver{store: st}
}

func (r *EnvironmentResolver) Resolve(spiderID uint) (map[string]string, error) {
	bindings, err := r.store.ListEnvironmentBindings(spiderID)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]string)
	for _, binding := range bindings {
		variables, err := r.store.ListEnvironmentVariables(binding.EnvironmentID)
		if err != nil {
			return nil, err
		}
		for _, v := range variables {
			vars[v.Key] = v.Value
		}
	}
	return vars, nil
}

// mergeEnviron overlays resolved variables on the parent process
// environment; resolved values win on key collision.
func mergeEnviron(parent []string, overrides map[string]string) []string {
	merged := make([]string, 0, len(parent)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range parent {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if v, ok := overrides[key]; ok {
			merged = append(merged, key+"="+v)
			seen[key] = true
			continue
		}
		merged = append(merged, kv)
	}
	for k, v := range overrides {
		if !seen[k] {
			merged = append(merged, k+"="+v)
		}
	}
	return merged
}
