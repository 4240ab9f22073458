package capability

import (
	"os"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/safeguard/internal/model"
)

// Registry maps platform IDs to their declared rule-category capabilities.
// It is read-heavy and immutable after load; reloads swap the whole map.
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]model.Platform
}

// NewRegistry returns a registry seeded with the built-in platform matrix.
func NewRegistry() *Registry {
	r := &Registry{platforms: make(map[string]model.Platform)}
	for _, p := range defaultPlatforms {
		r.platforms[p.ID] = p
	}
	return r
}

type registryFile struct {
	Platforms []model.Platform `yaml:"platforms"`
}

// LoadFile merges platform definitions from a YAML file over the built-in
// matrix. A platform in the file replaces the built-in entry wholesale.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "capability: read %s", path)
	}

	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return eris.Wrapf(err, "capability: parse %s", path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range file.Platforms {
		if p.ID == "" {
			return eris.Errorf("capability: platform in %s missing id", path)
		}
		for _, c := range p.Capabilities {
			if !model.ValidCategory(c.Category) {
				return eris.Errorf("capability: platform %s declares unknown category %q", p.ID, c.Category)
			}
		}
		r.platforms[p.ID] = p
	}
	zap.L().Info("loaded capability registry",
		zap.String("path", path),
		zap.Int("platforms", len(file.Platforms)))
	return nil
}

// Platform returns the capability matrix for a platform ID.
func (r *Registry) Platform(platformID string) (model.Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[platformID]
	return p, ok
}

// Platforms lists all known platforms in ID order.
func (r *Registry) Platforms() []model.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Platform, 0, len(r.platforms))
	for _, p := range r.platforms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Supported reports whether a platform can enforce a category at all, and at
// what level.
func (r *Registry) Supported(platformID string, category model.RuleCategory) (model.SupportLevel, bool) {
	p, ok := r.Platform(platformID)
	if !ok {
		return model.SupportNone, false
	}
	for _, c := range p.Capabilities {
		if c.Category == category {
			return c.Support, c.Support != model.SupportNone
		}
	}
	return model.SupportNone, false
}

// Filter splits a resolved rule set into the rules a platform can push and
// the categories it cannot. Pull-only capabilities count as unsupported for
// push purposes.
func (r *Registry) Filter(platformID string, set *model.ResolvedRuleSet) (pushable []model.Rule, unsupported []model.RuleCategory) {
	p, ok := r.Platform(platformID)
	if !ok {
		for _, cat := range set.Categories() {
			unsupported = append(unsupported, cat)
		}
		return nil, unsupported
	}

	caps := make(map[model.RuleCategory]model.Capability, len(p.Capabilities))
	for _, c := range p.Capabilities {
		caps[c.Category] = c
	}

	for _, cat := range set.Categories() {
		c, ok := caps[cat]
		if !ok || c.Support == model.SupportNone || c.Direction == model.DirectionPullOnly {
			unsupported = append(unsupported, cat)
			continue
		}
		pushable = append(pushable, set.Rules[cat])
	}
	return pushable, unsupported
}
