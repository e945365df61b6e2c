// Copyright 2025 Kestrel Systems
//
// kernelctl is a thin operator CLI over pkg/kernel, wired the way the
// teacher wires its own entrypoints: flag-parsed subcommands, a YAML
// config file resolved through pkg/config, and a store chosen at
// startup from the config's "kind" field rather than compiled in.

package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	dbm "github.com/cometbft/cometbft-db"
	gcfirestore "cloud.google.com/go/firestore"

	"github.com/kestrel-systems/govkernel/pkg/action"
	"github.com/kestrel-systems/govkernel/pkg/authority"
	"github.com/kestrel-systems/govkernel/pkg/config"
	"github.com/kestrel-systems/govkernel/pkg/evidence"
	"github.com/kestrel-systems/govkernel/pkg/evidence/firestorestore"
	"github.com/kestrel-systems/govkernel/pkg/evidence/kvstore"
	"github.com/kestrel-systems/govkernel/pkg/evidence/memstore"
	"github.com/kestrel-systems/govkernel/pkg/evidence/pgstore"
	"github.com/kestrel-systems/govkernel/pkg/identity"
	"github.com/kestrel-systems/govkernel/pkg/kcrypto"
	"github.com/kestrel-systems/govkernel/pkg/kernel"
	"github.com/kestrel-systems/govkernel/pkg/kstate"
	"github.com/kestrel-systems/govkernel/pkg/kv/cometdb"
	"github.com/kestrel-systems/govkernel/pkg/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "keygen":
		runKeygen(args)
	case "status":
		runStatus(args)
	case "history":
		runHistory(args)
	case "execute":
		runExecute(args)
	case "create-entity":
		runCreateEntity(args)
	case "grant-authority":
		runGrantAuthority(args)
	case "revoke-authority":
		runRevokeAuthority(args)
	case "revoke-entity":
		runRevokeEntity(args)
	case "prove-metric":
		runProveMetric(args)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `kernelctl <command> [flags]

Commands:
  keygen            generate an ed25519 keypair and print hex public/private keys
  status            print the kernel's lifecycle and current state
  history           print the evidence chain
  execute           submit, guard, and commit one signed action
  create-entity     register a new identity entity (requires GOVERNANCE)
  grant-authority   record a new delegation (requires GOVERNANCE)
  revoke-authority  revoke a delegation by id (requires GOVERNANCE)
  revoke-entity     revoke an identity entity (requires GOVERNANCE)
  prove-metric      emit a portable Merkle receipt for one metric at a snapshot version`)
}

func runKeygen(args []string) {
	kp, err := kcrypto.GenerateKeyPair()
	if err != nil {
		fatalf("generate key pair: %v", err)
	}
	fmt.Printf("publicKeyHex:  %s\n", hex.EncodeToString(kp.Public))
	fmt.Printf("privateKeyHex: %s\n", hex.EncodeToString(kp.Private))
}

// sharedFlags holds the flags every subcommand that opens a kernel needs.
type sharedFlags struct {
	configPath string
	quiet      bool
}

func bindShared(fs *flag.FlagSet) *sharedFlags {
	sf := &sharedFlags{}
	fs.StringVar(&sf.configPath, "config", "", "path to a genesis YAML config file")
	fs.BoolVar(&sf.quiet, "quiet", true, "suppress structured kernel logging")
	return sf
}

func openKernel(sf *sharedFlags) *kernel.Kernel {
	cfg, err := config.LoadWithDefaults(sf.configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}

	store, err := openEvidenceStore(cfg.EvidenceStore)
	if err != nil {
		fatalf("open evidence store: %v", err)
	}

	var logger telemetry.Logger
	if sf.quiet {
		logger = telemetry.NewNopLogger()
	} else {
		logger = telemetry.NewLogger(os.Stderr)
	}

	k, err := kernel.New(cfg, kernel.Options{
		EvidenceStore:  store,
		Logger:         logger,
		InitialMetrics: defaultMetrics(),
	})
	if err != nil {
		fatalf("construct kernel: %v", err)
	}
	return k
}

// defaultMetrics seeds the handful of metrics a standalone kernelctl
// session exercises without a provisioning step of its own. A
// deployment wiring pkg/kernel directly registers its real metric set
// before replay runs instead.
func defaultMetrics() []kstate.Metric {
	return []kstate.Metric{
		{ID: "treasury.balance", Type: kstate.MetricGauge},
		{ID: "treasury.reserve", Type: kstate.MetricGauge},
	}
}

func openEvidenceStore(sc config.StoreConfig) (evidence.Store, error) {
	switch sc.Kind {
	case "", "memory":
		return memstore.New(), nil
	case "kv":
		db, err := dbm.NewGoLevelDB("kernel-evidence", storeDir(sc.Path))
		if err != nil {
			return nil, fmt.Errorf("open goleveldb at %s: %w", sc.Path, err)
		}
		return kvstore.New(cometdb.New(db)), nil
	case "postgres":
		return pgstore.Open(sc.DSN)
	case "firestore":
		client, err := gcfirestore.NewClient(context.Background(), sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("open firestore client for project %s: %w", sc.DSN, err)
		}
		return firestorestore.New(client, sc.Collection), nil
	default:
		return nil, fmt.Errorf("unknown evidence store kind %q", sc.Kind)
	}
}

func storeDir(path string) string {
	if path == "" {
		return "."
	}
	return path
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	sf := bindShared(fs)
	fs.Parse(args)

	k := openKernel(sf)
	state := k.CurrentState()

	out := struct {
		Lifecycle string                       `json:"lifecycle"`
		Version   uint64                       `json:"version"`
		Metrics   map[string]kstate.StateValue `json:"metrics"`
	}{
		Lifecycle: string(k.Lifecycle()),
		Version:   state.Version,
		Metrics:   state.Metrics,
	}
	printJSON(out)
}

func runHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	sf := bindShared(fs)
	fs.Parse(args)

	k := openKernel(sf)
	hist, err := k.EvidenceHistory()
	if err != nil {
		fatalf("load evidence history: %v", err)
	}
	printJSON(hist)
}

func runExecute(args []string) {
	fs := flag.NewFlagSet("execute", flag.ExitOnError)
	sf := bindShared(fs)
	initiator := fs.String("initiator", "", "entity id submitting the action")
	metricID := fs.String("metric", "", "target metric id")
	value := fs.Float64("value", 0, "numeric value to write")
	privHex := fs.String("private-key", "", "hex-encoded ed25519 private key to sign with")
	epoch := fs.Int64("epoch", 1, "logical epoch")
	logical := fs.Int64("logical", 0, "logical sequence within the epoch")
	cost := fs.Int("cost", 1, "budget cost charged for this action")
	budget := fs.Int("budget", 100, "budget available for this commit")
	approvals := fs.Int("approvals", 0, "number of independent approvals collected for an irreversible action")
	rehearsal := fs.Bool("rehearsal", false, "run as a fully isolated rehearsal, never committed to evidence")
	fs.Parse(args)

	if *initiator == "" || *metricID == "" || *privHex == "" {
		fatalf("execute requires -initiator, -metric, and -private-key")
	}

	priv, err := hex.DecodeString(*privHex)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		fatalf("invalid -private-key: must be %d hex-encoded bytes", ed25519.PrivateKeySize)
	}
	kp := &kcrypto.KeyPair{Private: priv, Public: ed25519.PrivateKey(priv).Public().(ed25519.PublicKey)}

	now := action.LogicalTime{Epoch: *epoch, Logical: *logical}
	expires := action.LogicalTime{Epoch: *epoch, Logical: *logical + 1_000_000}
	payload := action.Payload{MetricID: *metricID, Value: *value, Rehearsal: *rehearsal}

	actionID, err := action.ComputeActionID(*initiator, payload, now, expires)
	if err != nil {
		fatalf("compute action id: %v", err)
	}
	a := action.Action{
		ActionID:  actionID,
		Initiator: *initiator,
		Payload:   payload,
		Timestamp: now,
		ExpiresAt: expires,
	}
	signingString, err := action.SigningString(a)
	if err != nil {
		fatalf("build signing string: %v", err)
	}
	a.Signature = hex.EncodeToString(kp.Sign([]byte(signingString)))

	k := openKernel(sf)
	result, err := k.Execute(*initiator, "", a, *cost, *budget, *approvals)
	if err != nil {
		fatalf("execute: %v", err)
	}
	printJSON(result)
}

func runCreateEntity(args []string) {
	fs := flag.NewFlagSet("create-entity", flag.ExitOnError)
	sf := bindShared(fs)
	caller := fs.String("caller", "", "entity id invoking the privileged op")
	id := fs.String("id", "", "new entity id")
	pubHex := fs.String("public-key", "", "hex-encoded ed25519 public key")
	entityType := fs.String("type", string(identity.TypeActor), "entity type: ACTOR, SYSTEM, ASSET, OFFICE, ABSTRACT")
	isRoot := fs.Bool("root", false, "mark the entity as a root")
	epoch := fs.Int64("epoch", 1, "logical epoch")
	logical := fs.Int64("logical", 0, "logical sequence within the epoch")
	fs.Parse(args)

	if *caller == "" || *id == "" {
		fatalf("create-entity requires -caller and -id")
	}
	pub, err := hex.DecodeString(*pubHex)
	if err != nil {
		fatalf("invalid -public-key: %v", err)
	}

	k := openKernel(sf)
	now := action.LogicalTime{Epoch: *epoch, Logical: *logical}
	e := identity.Entity{ID: *id, PublicKey: pub, Type: identity.EntityType(*entityType), Status: identity.StatusActive, IsRoot: *isRoot}
	if err := k.CreateEntity(*caller, e, now); err != nil {
		fatalf("create entity: %v", err)
	}
	fmt.Printf("registered entity %s\n", *id)
}

func runGrantAuthority(args []string) {
	fs := flag.NewFlagSet("grant-authority", flag.ExitOnError)
	sf := bindShared(fs)
	caller := fs.String("caller", "", "entity id invoking the privileged op")
	granter := fs.String("granter", "", "delegation's granter")
	grantee := fs.String("grantee", "", "delegation's grantee")
	capacity := fs.String("capacity", "", "delegated capacity, e.g. METRIC.WRITE")
	jurisdiction := fs.String("jurisdiction", "", "delegated jurisdiction, e.g. treasury.balance or treasury.*")
	maxValue := fs.Float64("max-value", -1, "optional ceiling on the delegated capacity's value; negative disables the limit")
	epoch := fs.Int64("epoch", 1, "logical epoch")
	logical := fs.Int64("logical", 0, "logical sequence within the epoch")
	fs.Parse(args)

	if *caller == "" || *granter == "" || *grantee == "" || *capacity == "" || *jurisdiction == "" {
		fatalf("grant-authority requires -caller, -granter, -grantee, -capacity, and -jurisdiction")
	}

	d := authority.Delegation{Granter: *granter, Grantee: *grantee, Capacity: *capacity, Jurisdiction: *jurisdiction}
	if *maxValue >= 0 {
		d.Limits = &authority.Limits{MaxValue: maxValue}
	}

	k := openKernel(sf)
	now := action.LogicalTime{Epoch: *epoch, Logical: *logical}
	authorityID, err := k.GrantAuthority(*caller, d, now)
	if err != nil {
		fatalf("grant authority: %v", err)
	}
	fmt.Printf("granted authorityId=%s\n", authorityID)
}

func runRevokeAuthority(args []string) {
	fs := flag.NewFlagSet("revoke-authority", flag.ExitOnError)
	sf := bindShared(fs)
	caller := fs.String("caller", "", "entity id invoking the privileged op")
	authorityID := fs.String("authority-id", "", "delegation id to revoke")
	epoch := fs.Int64("epoch", 1, "logical epoch")
	logical := fs.Int64("logical", 0, "logical sequence within the epoch")
	fs.Parse(args)

	if *caller == "" || *authorityID == "" {
		fatalf("revoke-authority requires -caller and -authority-id")
	}

	k := openKernel(sf)
	now := action.LogicalTime{Epoch: *epoch, Logical: *logical}
	if err := k.RevokeAuthority(*caller, *authorityID, now); err != nil {
		fatalf("revoke authority: %v", err)
	}
	fmt.Printf("revoked authorityId=%s\n", *authorityID)
}

func runRevokeEntity(args []string) {
	fs := flag.NewFlagSet("revoke-entity", flag.ExitOnError)
	sf := bindShared(fs)
	caller := fs.String("caller", "", "entity id invoking the privileged op")
	entityID := fs.String("id", "", "entity id to revoke")
	epoch := fs.Int64("epoch", 1, "logical epoch")
	logical := fs.Int64("logical", 0, "logical sequence within the epoch")
	fs.Parse(args)

	if *caller == "" || *entityID == "" {
		fatalf("revoke-entity requires -caller and -id")
	}

	k := openKernel(sf)
	now := action.LogicalTime{Epoch: *epoch, Logical: *logical}
	if err := k.RevokeEntity(*caller, *entityID, now); err != nil {
		fatalf("revoke entity: %v", err)
	}
	fmt.Printf("revoked entity %s\n", *entityID)
}

func runProveMetric(args []string) {
	fs := flag.NewFlagSet("prove-metric", flag.ExitOnError)
	sf := bindShared(fs)
	metricID := fs.String("metric", "", "metric id to prove membership for")
	version := fs.Uint64("version", 0, "snapshot version the receipt is valid for")
	fs.Parse(args)

	if *metricID == "" {
		fatalf("prove-metric requires -metric")
	}

	k := openKernel(sf)
	receipt, err := k.ProveMetric(*version, *metricID)
	if err != nil {
		fatalf("prove metric: %v", err)
	}
	if err := receipt.Validate(); err != nil {
		fatalf("generated receipt failed self-validation: %v", err)
	}
	printJSON(receipt)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("encode output: %v", err)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "kernelctl: "+format+"\n", args...)
	os.Exit(1)
}
