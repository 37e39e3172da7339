package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"

	"github.com/meigma/custody"
)

// Format identifies a manifest serialization.
type Format uint8

const (
	FormatJSON Format = iota + 1
	FormatYAML
)

// Sentinel errors. All wrap custody.ErrConfig: a bad manifest is fatal at
// load time, before any artifact processing begins.
var (
	// ErrUnknownProfile is returned when a linked_profile reference does not
	// resolve to a profile in the same manifest.
	ErrUnknownProfile = fmt.Errorf("%w: unresolvable linked profile", custody.ErrConfig)

	// ErrDuplicateProfile is returned when two profiles share a name.
	ErrDuplicateProfile = fmt.Errorf("%w: duplicate profile name", custody.ErrConfig)

	// ErrIncomplete is returned when required manifest fields are missing.
	ErrIncomplete = fmt.Errorf("%w: incomplete manifest", custody.ErrConfig)

	// ErrNotLoaded is returned when looking up a manifest digest that was
	// never resolved.
	ErrNotLoaded = fmt.Errorf("%w: manifest not loaded", custody.ErrConfig)
)

// Resolved is an immutable, validated, content-addressed manifest. Safe to
// share across workers without locking.
type Resolved struct {
	m      Manifest
	digest digest.Digest
}

// Digest returns the content address of the canonical manifest encoding.
func (r *Resolved) Digest() digest.Digest { return r.digest }

// Product returns the product the manifest governs.
func (r *Resolved) Product() string { return r.m.Product }

// Version returns the manifest version.
func (r *Resolved) Version() string { return r.m.Version }

// Owners returns a copy of the owner list.
func (r *Resolved) Owners() []string {
	out := make([]string, len(r.m.Owners))
	copy(out, r.m.Owners)
	return out
}

// Profile returns the named profile.
func (r *Resolved) Profile(name string) (Profile, bool) {
	for _, p := range r.m.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// ProfileNames returns the declared profile names in declaration order.
func (r *Resolved) ProfileNames() []string {
	out := make([]string, len(r.m.Profiles))
	for i, p := range r.m.Profiles {
		out[i] = p.Name
	}
	return out
}

// Compliance returns a copy of the compliance outcomes.
func (r *Resolved) Compliance() []ComplianceOutcome {
	out := make([]ComplianceOutcome, len(r.m.Compliance))
	copy(out, r.m.Compliance)
	return out
}

// Resolver loads manifests and caches resolved values by digest. The cache
// never evicts: manifests are small and a digest, once published, is
// immutable.
type Resolver struct {
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[digest.Digest]*Resolved
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger for resolver operations. If not set, logging
// is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a manifest resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		cache: make(map[digest.Digest]*Resolved),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// Load parses, validates, and content-addresses a manifest. The digest is
// computed over the canonical JSON encoding of the parsed document, so the
// same manifest authored in JSON or YAML resolves to the same digest.
func (r *Resolver) Load(src io.Reader, format Format) (*Resolved, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %v", custody.ErrTransient, err)
	}

	var m Manifest
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: parse json manifest: %v", custody.ErrConfig, err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: parse yaml manifest: %v", custody.ErrConfig, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown manifest format", custody.ErrConfig)
	}

	if err := validate(&m); err != nil {
		return nil, err
	}

	canonical, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalize manifest: %v", custody.ErrConfig, err)
	}

	resolved := &Resolved{
		m:      m,
		digest: digest.Canonical.FromBytes(canonical),
	}

	r.mu.Lock()
	r.cache[resolved.digest] = resolved
	r.mu.Unlock()

	r.log().Info("manifest resolved",
		"product", m.Product,
		"version", m.Version,
		"digest", resolved.digest.String(),
		"profiles", len(m.Profiles))

	return resolved, nil
}

// LoadFile loads a manifest from disk, inferring the format from the file
// extension (.json, .yaml, .yml).
func (r *Resolver) LoadFile(path string) (*Resolved, error) {
	var format Format
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = FormatJSON
	case ".yaml", ".yml":
		format = FormatYAML
	default:
		return nil, fmt.Errorf("%w: unrecognized manifest extension %q", custody.ErrConfig, filepath.Ext(path))
	}

	f, err := os.Open(path) //nolint:gosec // manifest path is operator-supplied configuration
	if err != nil {
		return nil, fmt.Errorf("%w: open manifest: %v", custody.ErrTransient, err)
	}
	defer f.Close()

	return r.Load(f, format)
}

// Get returns a previously resolved manifest by digest.
func (r *Resolver) Get(dgst digest.Digest) (*Resolved, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resolved, ok := r.cache[dgst]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, dgst)
	}
	return resolved, nil
}

func validate(m *Manifest) error {
	if m.Product == "" || m.Version == "" {
		return fmt.Errorf("%w: product and version are required", ErrIncomplete)
	}
	if len(m.Profiles) == 0 {
		return fmt.Errorf("%w: at least one profile is required", ErrIncomplete)
	}

	names := make(map[string]struct{}, len(m.Profiles))
	for _, p := range m.Profiles {
		if p.Name == "" {
			return fmt.Errorf("%w: profile with empty name", ErrIncomplete)
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateProfile, p.Name)
		}
		names[p.Name] = struct{}{}

		if p.ReviewThreshold < 0 || p.ReviewThreshold > 1 {
			return fmt.Errorf("%w: profile %q review_threshold %v outside [0, 1]",
				ErrIncomplete, p.Name, p.ReviewThreshold)
		}
		for severity, limit := range p.Thresholds {
			if limit < 0 {
				return fmt.Errorf("%w: profile %q threshold %q is negative",
					ErrIncomplete, p.Name, severity)
			}
		}
	}

	for _, c := range m.Compliance {
		for _, t := range c.Tests {
			if t.LinkedProfile == "" {
				continue
			}
			if _, ok := names[t.LinkedProfile]; !ok {
				return fmt.Errorf("%w: test %q references %q",
					ErrUnknownProfile, t.Name, t.LinkedProfile)
			}
		}
	}
	return nil
}
