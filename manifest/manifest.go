// Package manifest loads and validates the declarative policy document
// governing the pipeline: tool profiles, severity thresholds, and compliance
// mappings. A loaded manifest is content-addressed by the digest of its
// canonical encoding and immutable; publishing a change means a new version
// and a new digest.
package manifest

import "github.com/meigma/custody"

// Thresholds maps a severity label to the maximum number of findings
// allowed at that severity. A severity with no configured threshold
// defaults to zero: fail closed, not permissive.
type Thresholds map[string]int

// Allowed returns the threshold for a severity, defaulting to zero.
func (t Thresholds) Allowed(severity custody.Severity) int {
	if t == nil {
		return 0
	}
	return t[severity.String()]
}

// Profile declares which tools run for a verification tier and the finding
// thresholds their results must satisfy.
type Profile struct {
	Name       string     `json:"name" yaml:"name"`
	Tools      []string   `json:"tools,omitempty" yaml:"tools,omitempty"`
	Thresholds Thresholds `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// ReviewThreshold is the confidence below which a failing finding
	// escalates the verdict to needs-review instead of fail. Zero means
	// the default of 0.85.
	ReviewThreshold float64 `json:"review_threshold,omitempty" yaml:"review_threshold,omitempty"`
}

// Test is one verifiable check backing a compliance outcome.
type Test struct {
	Name          string   `json:"name" yaml:"name"`
	Evidence      []string `json:"evidence,omitempty" yaml:"evidence,omitempty"`
	LinkedProfile string   `json:"linked_profile,omitempty" yaml:"linked_profile,omitempty"`
}

// ComplianceOutcome maps a human-readable goal to a framework control and
// the tests that demonstrate it.
type ComplianceOutcome struct {
	Goal      string `json:"goal" yaml:"goal"`
	Framework string `json:"framework" yaml:"framework"`
	ControlID string `json:"control_id" yaml:"control_id"`
	Tests     []Test `json:"tests,omitempty" yaml:"tests,omitempty"`
}

// Manifest is the versioned policy document. Externally authored; this
// package only parses, validates, and content-addresses it.
type Manifest struct {
	Product    string              `json:"product" yaml:"product"`
	Version    string              `json:"version" yaml:"version"`
	Owners     []string            `json:"owners,omitempty" yaml:"owners,omitempty"`
	Profiles   []Profile           `json:"profiles" yaml:"profiles"`
	Compliance []ComplianceOutcome `json:"compliance,omitempty" yaml:"compliance,omitempty"`
}
