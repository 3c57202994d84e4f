// Package envelope assembles collected scopes into the final export
// document.
package envelope

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Reserved metadata keys. Scope names always contain ScopeSeparator, which
// none of these do.
const (
	KeySummary     = "exportSummary"
	KeyTimestamp   = "timestamp"
	KeyVersion     = "version"
	KeyPlatform    = "platform"
	ScopeSeparator = "."
)

var (
	ErrFinalized    = errors.New("envelope already finalized")
	ErrInvalidScope = errors.New("invalid scope name")
)

// IsReserved reports whether key is a metadata key.
func IsReserved(key string) bool {
	switch key {
	case KeySummary, KeyTimestamp, KeyVersion, KeyPlatform:
		return true
	}
	return false
}

// ValidScope checks that name is namespaced and does not shadow metadata.
func ValidScope(name string) error {
	if IsReserved(name) {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidScope, name)
	}
	i := strings.Index(name, ScopeSeparator)
	if i <= 0 || i == len(name)-1 {
		return fmt.Errorf("%w: %q must look like platform.category", ErrInvalidScope, name)
	}
	return nil
}

// Summary is the exportSummary block.
type Summary struct {
	Count   int    `json:"count"`
	Label   string `json:"label"`
	Details string `json:"details"`
}

// Envelope maps scope names to values alongside the reserved metadata keys.
type Envelope map[string]any

// Scopes returns the scope names in sorted order, skipping metadata.
func (e Envelope) Scopes() []string {
	var names []string
	for k := range e {
		if IsReserved(k) {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Noun is the thing being counted in the summary label.
type Noun struct {
	Singular string
	Plural   string
}

// For picks the form matching n.
func (n Noun) For(count int) string {
	if n.Singular == "" {
		n = Noun{Singular: "item", Plural: "items"}
	}
	if count == 1 {
		return n.Singular
	}
	if n.Plural == "" {
		return n.Singular + "s"
	}
	return n.Plural
}

// Meta is the connector-level information stamped at finalize.
type Meta struct {
	Platform string
	Version  string
	Noun     Noun
	Primary  string // when set, exportSummary.count is this scope's count only
	Now      func() time.Time
}

// Builder accumulates scopes for one run.
type Builder struct {
	mu        sync.Mutex
	order     []string
	values    map[string]any
	counts    map[string]int
	warnings  map[string]string
	finalized bool
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		values:   make(map[string]any),
		counts:   make(map[string]int),
		warnings: make(map[string]string),
	}
}

// Set stores a scope's value and item count. Setting a scope twice replaces it.
func (b *Builder) Set(scope string, value any, count int) error {
	if err := ValidScope(scope); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return ErrFinalized
	}
	b.track(scope)
	b.values[scope] = value
	b.counts[scope] = count
	delete(b.warnings, scope)
	return nil
}

// Warn records that a scope was skipped or came back unusable. The scope is
// left out of the envelope but shows up in the summary details.
func (b *Builder) Warn(scope, reason string) error {
	if err := ValidScope(scope); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return ErrFinalized
	}
	b.track(scope)
	delete(b.values, scope)
	delete(b.counts, scope)
	b.warnings[scope] = reason
	return nil
}

func (b *Builder) track(scope string) {
	for _, s := range b.order {
		if s == scope {
			return
		}
	}
	b.order = append(b.order, scope)
}

// Finalize produces the envelope. It succeeds once; later calls return
// ErrFinalized.
func (b *Builder) Finalize(meta Meta) (Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, ErrFinalized
	}
	b.finalized = true

	now := time.Now
	if meta.Now != nil {
		now = meta.Now
	}

	env := make(Envelope, len(b.values)+4)
	total := 0
	var details []string
	for _, scope := range b.order {
		if reason, warned := b.warnings[scope]; warned {
			details = append(details, fmt.Sprintf("%s: skipped (%s)", scope, reason))
			continue
		}
		env[scope] = b.values[scope]
		n := b.counts[scope]
		if meta.Primary == "" || meta.Primary == scope {
			total += n
		}
		details = append(details, fmt.Sprintf("%s: %d", scope, n))
	}

	env[KeySummary] = Summary{
		Count:   total,
		Label:   meta.Noun.For(total),
		Details: strings.Join(details, ", "),
	}
	env[KeyTimestamp] = now().UTC().Format(time.RFC3339)
	env[KeyVersion] = meta.Version
	env[KeyPlatform] = meta.Platform
	return env, nil
}
