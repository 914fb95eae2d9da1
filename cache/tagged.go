package cache

import (
	"context"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	referenceStandard = "standard_ref"
	referenceForever  = "forever_ref"
)

// TaggedRepository is a Repository whose keys are namespaced by the
// current identifiers of a TagSet. Resetting any tag in the set makes the
// entries written through it unreachable; they are reclaimed by their own
// TTL.
type TaggedRepository struct {
	*Repository
}

// TagSet returns the tags scoping this repository.
func (t *TaggedRepository) TagSet() *TagSet {
	return t.tags
}

// ResetTag gives name a fresh identifier and returns it.
func (t *TaggedRepository) ResetTag(ctx context.Context, name string) (string, error) {
	return t.tags.ResetTag(ctx, name)
}

// FlushTag removes the identifier of name.
func (t *TaggedRepository) FlushTag(ctx context.Context, name string) error {
	return t.tags.FlushTag(ctx, name)
}

// Flush invalidates every entry written through this set of tags by
// resetting all of them. Other entries in the store are untouched.
func (t *TaggedRepository) Flush(ctx context.Context) (bool, error) {
	if err := t.tags.Reset(ctx); err != nil {
		t.warn("flush tags", strings.Join(t.tags.Names(), ","), err)
		return false, nil
	}
	return true, nil
}

// Clear is an alias of Flush.
func (t *TaggedRepository) Clear(ctx context.Context) (bool, error) {
	return t.Flush(ctx)
}

// TaggedItemKey returns the unprefixed key an entry is stored under.
func (t *TaggedRepository) TaggedItemKey(ctx context.Context, key string) (string, error) {
	ns, err := t.namespace(ctx)
	if err != nil {
		return "", err
	}
	return taggedItemKey(ns, key), nil
}

func (t *TaggedRepository) referenceKey(segment string, suffix string) string {
	return t.policy.buildKey(segment + ":" + suffix)
}

// ReferencedKeys returns the fully qualified keys written under the
// current identifiers of the tag set, sorted. It needs a store that keeps
// a reference index.
func (t *TaggedRepository) ReferencedKeys(ctx context.Context) ([]string, error) {
	if t.refs == nil {
		return nil, unsupported("%T does not keep tag references", t.store)
	}
	ns, err := t.namespace(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, segment := range strings.Split(ns, "|") {
		for _, suffix := range []string{referenceStandard, referenceForever} {
			keys, err := t.refs.References(ctx, t.referenceKey(segment, suffix))
			if err != nil {
				return nil, errors.Wrapf(err, "cache: failed to read references of %q", segment)
			}
			for _, key := range keys {
				seen[key] = struct{}{}
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// pushReference records fullKey under every segment of namespace on
// stores that keep a reference index. Failures are logged only.
func (r *Repository) pushReference(ctx context.Context, namespace string, fullKey string, suffix string) {
	if r.tags == nil || r.refs == nil {
		return
	}
	for _, segment := range strings.Split(namespace, "|") {
		referenceKey := r.policy.buildKey(segment + ":" + suffix)
		if err := r.refs.AddReference(ctx, referenceKey, fullKey); err != nil {
			r.warn("add reference", fullKey, err)
		}
	}
}
