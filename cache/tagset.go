package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"

	cstr "github.com/agentuity/go-cache/string"
	"github.com/cockroachdb/errors"
)

// TagSet maps tag names to their current version identifiers. Changing an
// identifier makes every entry written under the old one unreachable.
//
// Identifiers are stored forever at <prefix>tag:<name>:key.
type TagSet struct {
	store  Store
	prefix string
	names  []string
}

// NewTagSet returns a TagSet for names whose identifiers live in store.
func NewTagSet(store Store, prefix string, names ...string) *TagSet {
	return &TagSet{
		store:  store,
		prefix: prefix,
		names:  append([]string(nil), names...),
	}
}

// Names returns the tag names in the order they were given.
func (t *TagSet) Names() []string {
	return append([]string(nil), t.names...)
}

// TagKey is the unprefixed key holding the identifier of name.
func (t *TagSet) TagKey(name string) string {
	return "tag:" + name + ":key"
}

func (t *TagSet) storageKey(name string) string {
	return t.prefix + t.TagKey(name)
}

func newTagID() (string, error) {
	id, err := cstr.GenerateRandomHex(8)
	if err != nil {
		return "", errors.Wrap(err, "cache: failed to generate tag id")
	}
	return id, nil
}

// ResetTag stores a fresh identifier for name and returns it.
func (t *TagSet) ResetTag(ctx context.Context, name string) (string, error) {
	id, err := newTagID()
	if err != nil {
		return "", err
	}
	ok, err := t.store.Forever(ctx, t.storageKey(name), MustEncode(id))
	if err != nil {
		return "", errors.Wrapf(err, "cache: failed to reset tag %q", name)
	}
	if !ok {
		return "", errors.Newf("cache: failed to reset tag %q", name)
	}
	return id, nil
}

// Reset gives every tag in the set a fresh identifier.
func (t *TagSet) Reset(ctx context.Context) error {
	for _, name := range t.names {
		if _, err := t.ResetTag(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// FlushTag removes the identifier of name. The next access creates a new one.
func (t *TagSet) FlushTag(ctx context.Context, name string) error {
	if _, err := t.store.Forget(ctx, t.storageKey(name)); err != nil {
		return errors.Wrapf(err, "cache: failed to flush tag %q", name)
	}
	return nil
}

// Flush removes the identifier of every tag in the set.
func (t *TagSet) Flush(ctx context.Context) error {
	for _, name := range t.names {
		if err := t.FlushTag(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// TagID returns the current identifier for name, creating one when the
// tag has none. On stores with an atomic add, concurrent creators agree on
// a single identifier.
func (t *TagSet) TagID(ctx context.Context, name string) (string, error) {
	id, found, err := t.currentID(ctx, name)
	if err != nil || found {
		return id, err
	}
	cw, ok := t.store.(ConditionalWriter)
	if !ok {
		return t.ResetTag(ctx, name)
	}
	id, err = newTagID()
	if err != nil {
		return "", err
	}
	added, err := cw.Add(ctx, t.storageKey(name), MustEncode(id), 0)
	if err != nil {
		return "", errors.Wrapf(err, "cache: failed to create tag %q", name)
	}
	if added {
		return id, nil
	}
	if existing, found, err := t.currentID(ctx, name); err != nil || found {
		return existing, err
	}
	return t.ResetTag(ctx, name)
}

func (t *TagSet) currentID(ctx context.Context, name string) (string, bool, error) {
	found, val, err := t.store.Get(ctx, t.storageKey(name))
	if err != nil {
		return "", false, errors.Wrapf(err, "cache: failed to read tag %q", name)
	}
	if !found {
		return "", false, nil
	}
	var id string
	if err := val.Decode(&id); err != nil || id == "" {
		return "", false, nil
	}
	return id, true, nil
}

// Namespace joins the identifiers of every tag, in order, with "|".
func (t *TagSet) Namespace(ctx context.Context) (string, error) {
	ids := make([]string, 0, len(t.names))
	for _, name := range t.names {
		id, err := t.TagID(ctx, name)
		if err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	return strings.Join(ids, "|"), nil
}

// taggedItemKey is the unprefixed key of an entry written under namespace.
func taggedItemKey(namespace string, key string) string {
	sum := sha1.Sum([]byte(namespace))
	return hex.EncodeToString(sum[:]) + ":" + key
}
