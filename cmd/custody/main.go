// Command custody runs the promotion pipeline from the command line:
// promote a landed artifact through the verification gates, inspect a
// manifest, or verify the audit ledger's hash chain.
//
// Exit codes for promote: 0 promoted, 1 quarantined on policy, 2
// quarantined on integrity, signature, or timeout, 3 held for review.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/custody"
	"github.com/meigma/custody/gateway"
	"github.com/meigma/custody/integrity"
	"github.com/meigma/custody/ledger"
	"github.com/meigma/custody/manifest"
	"github.com/meigma/custody/policy"
	"github.com/meigma/custody/signature"
	"github.com/meigma/custody/store/disk"
)

const (
	exitPromoted    = 0
	exitPolicy      = 1
	exitIntegrity   = 2
	exitNeedsReview = 3
	exitUsage       = 64
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}

	var err error
	switch os.Args[1] {
	case "promote":
		err = runPromote(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "manifest":
		err = runManifest(os.Args[2:])
	case "verify-ledger":
		err = runVerifyLedger(os.Args[2:])
	default:
		usage()
		os.Exit(exitUsage)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "custody:", err)
		os.Exit(exitUsage)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: custody <command> [flags]

commands:
  promote        run one landed artifact through the verification gates
  status         print a promotion's ledger history by tracking ID
  manifest       validate a manifest file and print its digest
  verify-ledger  recompute and check the ledger's hash chain`)
}

type promoteConfig struct {
	storeDir     string
	ledgerDir    string
	manifestFile string
	sourceKey    string
	tier         string
	timeout      time.Duration

	producerPub   string
	gatekeeperPub string
	innerKeyID    string
	outerKeyID    string
	innerSig      string
	outerSig      string
	sigDigest     string

	verbose bool
}

func runPromote(args []string) error {
	fs := flag.NewFlagSet("promote", flag.ExitOnError)
	var cfg promoteConfig
	fs.StringVar(&cfg.storeDir, "store", "", "artifact store root")
	fs.StringVar(&cfg.ledgerDir, "ledger", "", "ledger directory")
	fs.StringVar(&cfg.manifestFile, "manifest", "", "governing manifest file (.json or .yaml)")
	fs.StringVar(&cfg.sourceKey, "source-key", "", "landed artifact's source key")
	fs.StringVar(&cfg.tier, "tier", "standard", "verification tier (manifest profile name)")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Minute, "end-to-end promotion deadline")
	fs.StringVar(&cfg.producerPub, "producer-pub", "", "hex ed25519 producer public key")
	fs.StringVar(&cfg.gatekeeperPub, "gatekeeper-pub", "", "hex ed25519 gatekeeper public key")
	fs.StringVar(&cfg.innerKeyID, "inner-key", "", "producer signature key ID")
	fs.StringVar(&cfg.outerKeyID, "outer-key", "", "gatekeeper signature key ID")
	fs.StringVar(&cfg.innerSig, "inner-sig", "", "base64 producer signature")
	fs.StringVar(&cfg.outerSig, "outer-sig", "", "base64 gatekeeper signature")
	fs.StringVar(&cfg.sigDigest, "digest", "", "digest both signatures attest")
	fs.BoolVar(&cfg.verbose, "v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	for name, v := range map[string]string{
		"store": cfg.storeDir, "ledger": cfg.ledgerDir, "manifest": cfg.manifestFile,
		"source-key": cfg.sourceKey, "producer-pub": cfg.producerPub,
		"gatekeeper-pub": cfg.gatekeeperPub, "inner-sig": cfg.innerSig,
		"outer-sig": cfg.outerSig, "digest": cfg.sigDigest,
	} {
		if v == "" {
			return fmt.Errorf("-%s is required", name)
		}
	}

	logger := slog.New(slog.DiscardHandler)
	if cfg.verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	keys, err := keyStore(cfg.producerPub, cfg.gatekeeperPub, cfg.innerKeyID, cfg.outerKeyID)
	if err != nil {
		return err
	}

	resolver := manifest.NewResolver(manifest.WithLogger(logger))
	resolved, err := resolver.LoadFile(cfg.manifestFile)
	if err != nil {
		return err
	}

	ld, err := ledger.Open(cfg.ledgerDir, ledger.WithLogger(logger))
	if err != nil {
		return err
	}
	defer ld.Close()

	if _, err := ld.Append(context.Background(), ledger.EventManifestResolved, struct {
		Product string `json:"product"`
		Version string `json:"version"`
		Digest  string `json:"digest"`
	}{resolved.Product(), resolved.Version(), resolved.Digest().String()}, "custody-cli"); err != nil {
		return err
	}

	ds, err := disk.New(cfg.storeDir, disk.WithLogger(logger))
	if err != nil {
		return err
	}

	g, err := gateway.New(gateway.Config{
		Engine:     integrity.New(),
		Keys:       keys,
		Evaluator:  policy.New(policy.WithLogger(logger)),
		Resolver:   resolver,
		Ledger:     ld,
		Landing:    ds,
		Curated:    ds.Curated(),
		Quarantine: ds,
	}, gateway.WithLogger(logger), gateway.WithTimeout(cfg.timeout))
	if err != nil {
		return err
	}

	inner, outer, err := parseSignatures(cfg)
	if err != nil {
		return err
	}

	res, err := g.Promote(context.Background(), gateway.Request{
		SourceKey:      cfg.sourceKey,
		ManifestDigest: resolved.Digest(),
		Tier:           custody.Tier(cfg.tier),
		Inner:          inner,
		Outer:          outer,
	})
	if err != nil {
		return err
	}

	fmt.Printf("tracking:  %s\nstate:     %s\n", res.TrackingID, res.State)
	if res.Reason != "" {
		fmt.Printf("reason:    %s\ndetail:    %s\n", res.Reason, res.Detail)
	}
	if res.ArtifactDigest != "" {
		fmt.Printf("artifact:  %s\n", res.ArtifactDigest)
	}

	switch res.State {
	case gateway.StatePromoted, gateway.StateMaskedPromoted:
		os.Exit(exitPromoted)
	case gateway.StateHeld:
		os.Exit(exitNeedsReview)
	case gateway.StateQuarantined:
		if res.Reason == gateway.ReasonPolicyViolation {
			os.Exit(exitPolicy)
		}
		os.Exit(exitIntegrity)
	}
	return nil
}

func keyStore(producerHex, gatekeeperHex, innerKeyID, outerKeyID string) (*signature.Store, error) {
	producerKey, err := hex.DecodeString(producerHex)
	if err != nil {
		return nil, fmt.Errorf("decode producer public key: %w", err)
	}
	gatekeeperKey, err := hex.DecodeString(gatekeeperHex)
	if err != nil {
		return nil, fmt.Errorf("decode gatekeeper public key: %w", err)
	}

	producerVerifier, err := signature.NewED25519Verifier(innerKeyID, ed25519.PublicKey(producerKey))
	if err != nil {
		return nil, err
	}
	gatekeeperVerifier, err := signature.NewED25519Verifier(outerKeyID, ed25519.PublicKey(gatekeeperKey))
	if err != nil {
		return nil, err
	}

	producerSet, err := signature.NewKeySet(signature.RoleProducer, producerVerifier)
	if err != nil {
		return nil, err
	}
	gatekeeperSet, err := signature.NewKeySet(signature.RoleGatekeeper, gatekeeperVerifier)
	if err != nil {
		return nil, err
	}
	return signature.NewStore(producerSet, gatekeeperSet)
}

func parseSignatures(cfg promoteConfig) (signature.Signature, signature.Signature, error) {
	var zero signature.Signature

	dgst, err := digest.Parse(cfg.sigDigest)
	if err != nil {
		return zero, zero, fmt.Errorf("parse digest: %w", err)
	}
	innerData, err := base64.StdEncoding.DecodeString(cfg.innerSig)
	if err != nil {
		return zero, zero, fmt.Errorf("decode inner signature: %w", err)
	}
	outerData, err := base64.StdEncoding.DecodeString(cfg.outerSig)
	if err != nil {
		return zero, zero, fmt.Errorf("decode outer signature: %w", err)
	}

	inner := signature.Signature{KeyID: cfg.innerKeyID, Digest: dgst, Data: innerData}
	outer := signature.Signature{KeyID: cfg.outerKeyID, Digest: dgst, Data: outerData}
	return inner, outer, nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dir := fs.String("ledger", "", "ledger directory")
	id := fs.String("id", "", "tracking ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" || *id == "" {
		return fmt.Errorf("-ledger and -id are required")
	}

	ld, err := ledger.Open(*dir)
	if err != nil {
		return err
	}
	defer ld.Close()

	found := false
	for _, e := range ld.Query(ledger.Filter{}) {
		var p struct {
			TrackingID string `json:"tracking_id"`
		}
		if json.Unmarshal(e.Payload, &p) != nil || p.TrackingID != *id {
			continue
		}
		found = true
		fmt.Printf("%6d  %-28s %s\n", e.Sequence, e.EventType, e.CreatedAt.Format(time.RFC3339))
	}
	if !found {
		return fmt.Errorf("no ledger entries for tracking id %s", *id)
	}
	return nil
}

func runManifest(args []string) error {
	fs := flag.NewFlagSet("manifest", flag.ExitOnError)
	file := fs.String("file", "", "manifest file (.json or .yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	resolved, err := manifest.NewResolver().LoadFile(*file)
	if err != nil {
		return err
	}

	fmt.Printf("product:  %s %s\ndigest:   %s\n", resolved.Product(), resolved.Version(), resolved.Digest())
	for _, name := range resolved.ProfileNames() {
		fmt.Printf("profile:  %s\n", name)
	}
	return nil
}

func runVerifyLedger(args []string) error {
	fs := flag.NewFlagSet("verify-ledger", flag.ExitOnError)
	dir := fs.String("dir", "", "ledger directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("-dir is required")
	}

	ld, err := ledger.Open(*dir)
	if err != nil {
		return err
	}
	defer ld.Close()

	if err := ld.VerifyChain(0, 0); err != nil {
		fmt.Fprintf(os.Stderr, "chain verification failed: %v\n", err)
		os.Exit(exitPolicy)
	}
	fmt.Printf("verified %d entries\n", ld.Len())
	return nil
}
