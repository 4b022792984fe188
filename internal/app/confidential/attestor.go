package confidential

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"os"
	"strings"

	"github.com/R3E-Network/request_router/internal/errors"
)

// Attestor proves the processor runs inside the expected boundary.
type Attestor interface {
	Attest(ctx context.Context) error
}

// AttestorFunc adapts a function to Attestor.
type AttestorFunc func(ctx context.Context) error

func (f AttestorFunc) Attest(ctx context.Context) error { return f(ctx) }

// ReportAttestor compares the sha256 of an attestation report file with an
// expected measurement.
type ReportAttestor struct {
	Path        string
	Measurement string
}

func (a ReportAttestor) Attest(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.ConfidentialBoundary("attestation unavailable", err)
	}
	if a.Path == "" || a.Measurement == "" {
		return errors.ConfidentialBoundary("attestation report not configured", nil)
	}
	want, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(a.Measurement)), "0x"))
	if err != nil || len(want) != sha256.Size {
		return errors.ConfidentialBoundary("invalid attestation measurement", err)
	}
	report, err := os.ReadFile(a.Path)
	if err != nil {
		return errors.ConfidentialBoundary("attestation report unavailable", err)
	}
	got := sha256.Sum256(report)
	if subtle.ConstantTimeCompare(got[:], want) != 1 {
		return errors.ConfidentialBoundary("attestation measurement mismatch", nil)
	}
	return nil
}

// Simulated accepts every check. It exists for local development and is
// only wired when simulation is explicitly allowed.
func Simulated() Attestor {
	return AttestorFunc(func(context.Context) error { return nil })
}
