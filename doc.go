// Package custody defines the shared data model for the manifest-governed
// verification and promotion pipeline.
//
// An artifact enters the system in an untrusted landing area and is admitted
// into a curated store only after three gates pass in order:
//
//   - Integrity: the computed content digest matches the declared digest
//   - Provenance: a dual-signature chain (producer + gatekeeper) verifies
//   - Policy: normalized findings satisfy the manifest-declared thresholds
//
// Every gate decision is recorded in an append-only, hash-linked audit
// ledger before it is reported to callers. Artifacts that fail a gate are
// quarantined with a reason code; they are never silently dropped.
//
// The root package holds the types exchanged between subsystems. The
// subsystems themselves live in their own packages: integrity, signature,
// ledger, policy, manifest, store, and gateway.
package custody
