package confidential

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/config/netmode"
	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"

	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/logging"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func newTestProcessor(t *testing.T, att Attestor) *SealedProcessor {
	t.Helper()
	if att == nil {
		att = Simulated()
	}
	p, err := NewSealedProcessor(context.Background(), Config{
		Mnemonic: testMnemonic,
		Attestor: att,
		Logger:   logging.NewDiscard("confidential"),
	})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestDerivationIsStableAndDistinct(t *testing.T) {
	ctx := context.Background()
	a := newTestProcessor(t, nil)
	b := newTestProcessor(t, nil)

	a0, _ := a.Address(ctx, 0)
	b0, _ := b.Address(ctx, 0)
	a1, _ := a.Address(ctx, 1)
	if a0 == "" || a0 != b0 {
		t.Fatalf("index 0 differs between processors: %q vs %q", a0, b0)
	}
	if a0 == a1 {
		t.Fatal("distinct indexes share an address")
	}
}

func TestSignVerifiesAgainstPublicKey(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	payload := []byte("payload")

	sig, err := p.Sign(ctx, 3, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	again, _ := p.Sign(ctx, 3, payload)
	if !bytes.Equal(sig, again) {
		t.Fatal("signatures are not deterministic")
	}
	pub, _ := p.PublicKey(ctx, 3)
	sum := sha256.Sum256(payload)
	if !pub.Verify(sig, sum[:]) {
		t.Fatal("signature does not verify")
	}
}

func TestSeedConfiguration(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		cfg  Config
	}{
		{"none", Config{}},
		{"both", Config{Mnemonic: testMnemonic, SeedHex: strings.Repeat("ab", 32)}},
		{"bad mnemonic", Config{Mnemonic: "not a mnemonic"}},
		{"short seed", Config{SeedHex: "abcd"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.cfg.Attestor = Simulated()
			_, err := NewSealedProcessor(ctx, tc.cfg)
			if !errors.IsConfidentialBoundary(err) {
				t.Fatalf("expected boundary error, got %v", err)
			}
		})
	}

	p, err := NewSealedProcessor(ctx, Config{SeedHex: "0x" + strings.Repeat("ab", 32), Attestor: Simulated(), Logger: logging.NewDiscard("t")})
	if err != nil {
		t.Fatalf("hex seed: %v", err)
	}
	p.Close()
}

func TestAttestationFailureBlocksConstruction(t *testing.T) {
	_, err := NewSealedProcessor(context.Background(), Config{
		Mnemonic: testMnemonic,
		Attestor: AttestorFunc(func(context.Context) error { return os.ErrNotExist }),
		Logger:   logging.NewDiscard("confidential"),
	})
	if !errors.IsConfidentialBoundary(err) {
		t.Fatalf("expected boundary error, got %v", err)
	}
}

func TestAttestationIsRecheckedAfterTTL(t *testing.T) {
	var mu sync.Mutex
	fail := false
	calls := 0
	att := AttestorFunc(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if fail {
			return os.ErrPermission
		}
		return nil
	})
	p := newTestProcessor(t, att)
	now := time.Now()
	p.now = func() time.Time { return now }
	p.attestedAt = now

	if _, err := p.Sign(context.Background(), 0, []byte("x")); err != nil {
		t.Fatalf("sign within ttl: %v", err)
	}

	mu.Lock()
	fail = true
	mu.Unlock()
	now = now.Add(p.ttl + time.Second)
	if _, err := p.Sign(context.Background(), 0, []byte("x")); !errors.IsConfidentialBoundary(err) {
		t.Fatalf("expected boundary error after failed re-attestation, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("attestor called %d times, want 2", calls)
	}
}

func TestCloseMakesProcessorUnavailable(t *testing.T) {
	p := newTestProcessor(t, nil)
	if _, err := p.PublicKey(context.Background(), 0); err != nil {
		t.Fatalf("public key: %v", err)
	}
	p.Close()
	if _, err := p.Sign(context.Background(), 0, []byte("x")); !errors.IsConfidentialBoundary(err) {
		t.Fatalf("expected boundary error after close, got %v", err)
	}
	if p.seed != nil || len(p.keys) != 0 {
		t.Fatal("key material survived Close")
	}
}

func TestReportAttestor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.bin")
	report := []byte("enclave report")
	if err := os.WriteFile(path, report, 0o600); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(report)
	ctx := context.Background()

	if err := (ReportAttestor{Path: path, Measurement: hex.EncodeToString(sum[:])}).Attest(ctx); err != nil {
		t.Fatalf("matching report: %v", err)
	}
	if err := (ReportAttestor{Path: path, Measurement: strings.Repeat("00", 32)}).Attest(ctx); !errors.IsConfidentialBoundary(err) {
		t.Fatalf("mismatch: got %v", err)
	}
	if err := (ReportAttestor{Path: filepath.Join(dir, "missing"), Measurement: hex.EncodeToString(sum[:])}).Attest(ctx); !errors.IsConfidentialBoundary(err) {
		t.Fatalf("missing report: got %v", err)
	}
}

func TestTxSignerWitnessesTransaction(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	signer, err := NewTxSigner(ctx, p, 7)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	tx := transaction.New([]byte{0x11}, 0)
	tx.ValidUntilBlock = 100
	tx.Signers = []transaction.Signer{{Account: signer.ScriptHash(), Scopes: transaction.CalledByEntry}}
	if err := signer.SignTx(netmode.TestNet, tx); err != nil {
		t.Fatalf("sign tx: %v", err)
	}

	inv := tx.Scripts[0].InvocationScript
	if len(inv) != 66 {
		t.Fatalf("invocation script length %d", len(inv))
	}
	pub, _ := p.PublicKey(ctx, 7)
	if !pub.Verify(inv[2:], hash.NetSha256(uint32(netmode.TestNet), tx).BytesBE()) {
		t.Fatal("witness signature does not verify")
	}
	if !bytes.Equal(tx.Scripts[0].VerificationScript, pub.GetVerificationScript()) {
		t.Fatal("verification script mismatch")
	}
}
