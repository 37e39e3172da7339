package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/custody"
)

const jsonManifest = `{
  "product": "payments-api",
  "version": "2.1.0",
  "owners": ["security@example.com"],
  "profiles": [
    {
      "name": "standard",
      "tools": ["scanner-a", "scanner-b"],
      "thresholds": {"critical": 0, "high": 5, "medium": 20}
    },
    {
      "name": "strict",
      "thresholds": {"critical": 0, "high": 0},
      "review_threshold": 0.95
    }
  ],
  "compliance": [
    {
      "goal": "no known critical vulnerabilities",
      "framework": "soc2",
      "control_id": "CC7.1",
      "tests": [
        {"name": "scan gate", "evidence": ["scan-report"], "linked_profile": "standard"}
      ]
    }
  ]
}`

const yamlManifest = `
product: payments-api
version: 2.1.0
owners:
  - security@example.com
profiles:
  - name: standard
    tools: [scanner-a, scanner-b]
    thresholds:
      critical: 0
      high: 5
      medium: 20
  - name: strict
    thresholds:
      critical: 0
      high: 0
    review_threshold: 0.95
compliance:
  - goal: no known critical vulnerabilities
    framework: soc2
    control_id: CC7.1
    tests:
      - name: scan gate
        evidence: [scan-report]
        linked_profile: standard
`

func TestResolver_LoadJSON(t *testing.T) {
	t.Parallel()

	r := NewResolver()
	resolved, err := r.Load(strings.NewReader(jsonManifest), FormatJSON)
	require.NoError(t, err)

	assert.Equal(t, "payments-api", resolved.Product())
	assert.Equal(t, "2.1.0", resolved.Version())
	assert.Equal(t, []string{"standard", "strict"}, resolved.ProfileNames())

	p, ok := resolved.Profile("standard")
	require.True(t, ok)
	assert.Equal(t, 5, p.Thresholds.Allowed(custody.SeverityHigh))
	assert.Equal(t, 0, p.Thresholds.Allowed(custody.SeverityCritical))
	// No threshold configured for low: fail closed.
	assert.Equal(t, 0, p.Thresholds.Allowed(custody.SeverityLow))

	_, ok = resolved.Profile("missing")
	assert.False(t, ok)
}

func TestResolver_JSONAndYAMLSameDigest(t *testing.T) {
	t.Parallel()

	r := NewResolver()
	fromJSON, err := r.Load(strings.NewReader(jsonManifest), FormatJSON)
	require.NoError(t, err)
	fromYAML, err := r.Load(strings.NewReader(yamlManifest), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, fromJSON.Digest(), fromYAML.Digest())
}

func TestResolver_Get(t *testing.T) {
	t.Parallel()

	r := NewResolver()
	resolved, err := r.Load(strings.NewReader(jsonManifest), FormatJSON)
	require.NoError(t, err)

	got, err := r.Get(resolved.Digest())
	require.NoError(t, err)
	assert.Same(t, resolved, got)

	_, err = r.Get("sha256:0000000000000000000000000000000000000000000000000000000000000000")
	require.ErrorIs(t, err, ErrNotLoaded)
}

func TestResolver_LoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlManifest), 0o600))

	r := NewResolver()
	resolved, err := r.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payments-api", resolved.Product())

	_, err = r.LoadFile(filepath.Join(dir, "manifest.toml"))
	require.ErrorIs(t, err, custody.ErrConfig)
}

func TestResolver_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{
			name:    "unresolvable linked profile",
			input:   `{"product":"p","version":"1","profiles":[{"name":"a"}],"compliance":[{"goal":"g","framework":"f","control_id":"c","tests":[{"name":"t","linked_profile":"missing"}]}]}`,
			wantErr: ErrUnknownProfile,
		},
		{
			name:    "duplicate profile name",
			input:   `{"product":"p","version":"1","profiles":[{"name":"a"},{"name":"a"}]}`,
			wantErr: ErrDuplicateProfile,
		},
		{
			name:    "missing product",
			input:   `{"version":"1","profiles":[{"name":"a"}]}`,
			wantErr: ErrIncomplete,
		},
		{
			name:    "no profiles",
			input:   `{"product":"p","version":"1","profiles":[]}`,
			wantErr: ErrIncomplete,
		},
		{
			name:    "negative threshold",
			input:   `{"product":"p","version":"1","profiles":[{"name":"a","thresholds":{"high":-1}}]}`,
			wantErr: ErrIncomplete,
		},
		{
			name:    "review threshold out of range",
			input:   `{"product":"p","version":"1","profiles":[{"name":"a","review_threshold":1.5}]}`,
			wantErr: ErrIncomplete,
		},
		{
			name:    "malformed json",
			input:   `{"product":`,
			wantErr: custody.ErrConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := NewResolver()
			_, err := r.Load(strings.NewReader(tt.input), FormatJSON)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr))
			// Every load failure is a config error, fatal before processing.
			assert.True(t, errors.Is(err, custody.ErrConfig))
		})
	}
}

func TestResolver_DigestChangesWithContent(t *testing.T) {
	t.Parallel()

	r := NewResolver()
	a, err := r.Load(strings.NewReader(`{"product":"p","version":"1","profiles":[{"name":"a"}]}`), FormatJSON)
	require.NoError(t, err)
	b, err := r.Load(strings.NewReader(`{"product":"p","version":"2","profiles":[{"name":"a"}]}`), FormatJSON)
	require.NoError(t, err)

	assert.NotEqual(t, a.Digest(), b.Digest(), "a new version must publish a new digest")
}
