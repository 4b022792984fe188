// Package confidential holds the keys the router signs with. Private key
// material is derived inside this package and never returned to callers.
package confidential

import (
	"context"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/logging"
)

// Processor signs on behalf of derived accounts identified by index.
type Processor interface {
	PublicKey(ctx context.Context, index uint32) (*keys.PublicKey, error)
	Sign(ctx context.Context, index uint32, payload []byte) ([]byte, error)
	Address(ctx context.Context, index uint32) (string, error)
}

const (
	defaultSalt           = "request-router"
	defaultAttestationTTL = 5 * time.Minute
)

// Config configures a SealedProcessor. Exactly one of Mnemonic or SeedHex
// must be set.
type Config struct {
	Mnemonic       string
	Passphrase     string
	SeedHex        string
	Salt           string
	Attestor       Attestor
	AttestationTTL time.Duration
	Logger         *logging.Logger
}

// SealedProcessor derives one P-256 key per index from a master seed with
// HKDF-SHA256. Signatures are deterministic (RFC 6979).
type SealedProcessor struct {
	mu       sync.RWMutex
	seed     []byte
	salt     []byte
	keys     map[uint32]*keys.PrivateKey
	signLock map[uint32]*sync.Mutex
	closed   bool

	attestor   Attestor
	ttl        time.Duration
	attestedAt time.Time
	attestMu   sync.Mutex
	now        func() time.Time

	log *logging.Logger
}

var _ Processor = (*SealedProcessor)(nil)

// NewSealedProcessor loads the master seed and verifies attestation before
// returning. A processor that cannot attest is never returned.
func NewSealedProcessor(ctx context.Context, cfg Config) (*SealedProcessor, error) {
	seed, err := masterSeed(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Attestor == nil {
		return nil, errors.ConfidentialBoundary("no attestor configured", nil)
	}
	if cfg.Salt == "" {
		cfg.Salt = defaultSalt
	}
	if cfg.AttestationTTL <= 0 {
		cfg.AttestationTTL = defaultAttestationTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault("confidential")
	}

	p := &SealedProcessor{
		seed:     seed,
		salt:     []byte(cfg.Salt),
		keys:     make(map[uint32]*keys.PrivateKey),
		signLock: make(map[uint32]*sync.Mutex),
		attestor: cfg.Attestor,
		ttl:      cfg.AttestationTTL,
		now:      time.Now,
		log:      cfg.Logger,
	}
	if err := p.attest(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func masterSeed(cfg Config) ([]byte, error) {
	mnemonic := strings.TrimSpace(cfg.Mnemonic)
	seedHex := strings.TrimPrefix(strings.TrimSpace(cfg.SeedHex), "0x")
	switch {
	case mnemonic != "" && seedHex != "":
		return nil, errors.ConfidentialBoundary("configure either a mnemonic or a seed, not both", nil)
	case mnemonic != "":
		if !bip39.IsMnemonicValid(mnemonic) {
			return nil, errors.ConfidentialBoundary("invalid mnemonic", nil)
		}
		return bip39.NewSeed(mnemonic, cfg.Passphrase), nil
	case seedHex != "":
		seed, err := hex.DecodeString(seedHex)
		if err != nil || len(seed) < 32 {
			return nil, errors.ConfidentialBoundary("seed must be at least 32 hex-encoded bytes", nil)
		}
		return seed, nil
	default:
		return nil, errors.ConfidentialBoundary("no master seed configured", nil)
	}
}

// attest re-runs attestation once the previous result is older than the TTL.
func (p *SealedProcessor) attest(ctx context.Context) error {
	p.attestMu.Lock()
	defer p.attestMu.Unlock()

	if !p.attestedAt.IsZero() && p.now().Sub(p.attestedAt) < p.ttl {
		return nil
	}
	if err := p.attestor.Attest(ctx); err != nil {
		p.attestedAt = time.Time{}
		p.log.LogSecurityEvent(ctx, "attestation_failed", map[string]interface{}{"reason": errors.Sanitize(err)})
		if errors.IsConfidentialBoundary(err) {
			return err
		}
		return errors.ConfidentialBoundary("attestation failed", err)
	}
	p.attestedAt = p.now()
	return nil
}

func (p *SealedProcessor) available(ctx context.Context) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return errors.ConfidentialBoundary("processor closed", nil)
	}
	return p.attest(ctx)
}

// key returns the cached key for index, deriving it on first use.
func (p *SealedProcessor) key(index uint32) (*keys.PrivateKey, *sync.Mutex, error) {
	p.mu.RLock()
	k, ok := p.keys[index]
	l := p.signLock[index]
	p.mu.RUnlock()
	if ok {
		return k, l, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, errors.ConfidentialBoundary("processor closed", nil)
	}
	if k, ok := p.keys[index]; ok {
		return k, p.signLock[index], nil
	}
	k, err := deriveKey(p.seed, p.salt, index)
	if err != nil {
		return nil, nil, errors.ConfidentialBoundary("key derivation failed", err)
	}
	l = &sync.Mutex{}
	p.keys[index] = k
	p.signLock[index] = l
	return k, l, nil
}

// deriveKey maps HKDF output into [1, n-1] on P-256.
func deriveKey(seed, salt []byte, index uint32) (*keys.PrivateKey, error) {
	info := make([]byte, len("pool-key/")+4)
	copy(info, "pool-key/")
	binary.BigEndian.PutUint32(info[len("pool-key/"):], index)

	okm := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, salt, info), okm); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	n := elliptic.P256().Params().N
	d := new(big.Int).SetBytes(okm)
	d.Mod(d, new(big.Int).Sub(n, big.NewInt(1)))
	d.Add(d, big.NewInt(1))

	buf := make([]byte, 32)
	d.FillBytes(buf)
	pk, err := keys.NewPrivateKeyFromBytes(buf)
	for i := range buf {
		buf[i] = 0
	}
	for i := range okm {
		okm[i] = 0
	}
	return pk, err
}

// PublicKey returns the public key of account index.
func (p *SealedProcessor) PublicKey(ctx context.Context, index uint32) (*keys.PublicKey, error) {
	if err := p.available(ctx); err != nil {
		return nil, err
	}
	k, _, err := p.key(index)
	if err != nil {
		return nil, err
	}
	return k.PublicKey(), nil
}

// Address returns the Neo N3 address of account index.
func (p *SealedProcessor) Address(ctx context.Context, index uint32) (string, error) {
	pub, err := p.PublicKey(ctx, index)
	if err != nil {
		return "", err
	}
	return pub.Address(), nil
}

// Sign signs sha256(payload) with the key of account index. Signing for the
// same index is serialized.
func (p *SealedProcessor) Sign(ctx context.Context, index uint32, payload []byte) ([]byte, error) {
	if err := p.available(ctx); err != nil {
		return nil, err
	}
	k, l, err := p.key(index)
	if err != nil {
		return nil, err
	}
	l.Lock()
	defer l.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return k.Sign(payload), nil
}

// Close wipes the seed and every derived key. Later calls fail with a
// confidential boundary error.
func (p *SealedProcessor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for i := range p.seed {
		p.seed[i] = 0
	}
	p.seed = nil
	for idx, k := range p.keys {
		k.Destroy()
		delete(p.keys, idx)
	}
}
