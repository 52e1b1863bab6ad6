// Package integrity verifies the declared checksum and signature of an
// uploaded function against policy before the function is persisted and made
// dispatchable.
package integrity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loom-labs/loom-go/internal/domain"
	"github.com/loom-labs/loom-go/internal/platform/env"
)

// Policy selects how strictly uploads are verified. There is no silent
// downgrade: a required verification that cannot run is a rejection.
type Policy string

const (
	PolicyNone        Policy = "none"
	PolicyAlways      Policy = "always"
	PolicySkipTrusted Policy = "skip_trusted"
)

func (p Policy) Valid() bool {
	return p == PolicyNone || p == PolicyAlways || p == PolicySkipTrusted
}

// Rejection reasons, stable for log grepping and agent-side handling.
const (
	ReasonNotSigned        = "not_signed"
	ReasonEmptySignature   = "empty_signature"
	ReasonChecksumMismatch = "checksum_mismatch"
	ReasonSignatureInvalid = "signature_invalid"
)

// Rejection is the typed cause of a failed verification. It is always
// wrapped in a coded IntegrityViolation error.
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return r.Reason
	}
	return r.Reason + ": " + r.Detail
}

// RejectionReason extracts the rejection reason from a verification error,
// or "" when the error is not a rejection.
func RejectionReason(err error) string {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection.Reason
	}
	return ""
}

const checksumAlgorithm = "sha256"

type Config struct {
	Policy                Policy
	TrustedGitPrefixes    []string
	TrustDispatcherHosted bool
	// PublicKey verifies declared signatures. Base64 raw ed25519 key.
	PublicKey ed25519.PublicKey
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Policy:             Policy(env.String("LOOM_INTEGRITY_POLICY", string(PolicyAlways))),
		TrustedGitPrefixes: env.StringList("LOOM_TRUSTED_GIT_PREFIXES", nil),
	}
	trustHosted, err := env.Bool("LOOM_TRUST_DISPATCHER_HOSTED", false)
	if err != nil {
		return Config{}, err
	}
	cfg.TrustDispatcherHosted = trustHosted

	if !cfg.Policy.Valid() {
		return Config{}, fmt.Errorf("unknown integrity policy %q", cfg.Policy)
	}

	raw := strings.TrimSpace(env.String("LOOM_INTEGRITY_PUBLIC_KEY", ""))
	if raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("decode integrity public key: %w", err)
		}
		if len(key) != ed25519.PublicKeySize {
			return Config{}, fmt.Errorf("integrity public key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
		}
		cfg.PublicKey = ed25519.PublicKey(key)
	}
	if cfg.Policy != PolicyNone && cfg.PublicKey == nil {
		return Config{}, fmt.Errorf("integrity policy %q requires LOOM_INTEGRITY_PUBLIC_KEY", cfg.Policy)
	}
	return cfg, nil
}

// Service verifies function uploads.
type Service struct {
	logger *slog.Logger
	cfg    Config
}

func NewService(logger *slog.Logger, cfg Config) *Service {
	return &Service{logger: logger, cfg: cfg}
}

// Verify checks the declared checksum and signature of fn against the
// configured policy. payload carries the uploaded bytes for
// dispatcher-hosted functions and is nil for git-sourced ones.
func (s *Service) Verify(fn domain.Function, payload []byte) error {
	if err := fn.Validate(); err != nil {
		return err
	}
	if s.cfg.Policy == PolicyNone {
		return nil
	}

	origin, err := sourcingFor(fn)
	if err != nil {
		return err
	}
	if s.cfg.Policy == PolicySkipTrusted && origin.Trusted(fn, s.cfg) {
		s.logger.Info("skipping integrity verification for trusted origin",
			"function_code", fn.Code,
			"sourcing", string(fn.Sourcing))
		return nil
	}

	input, err := origin.ChecksumInput(fn, payload)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(input)
	computed := hex.EncodeToString(sum[:])

	declared, ok := fn.Checksums[checksumAlgorithm]
	if !ok || strings.TrimSpace(declared) == "" {
		return s.reject(fn, ReasonNotSigned,
			fmt.Sprintf("no %s checksum entry declared", checksumAlgorithm))
	}
	entry, err := domain.ParseChecksumEntry(declared)
	if err != nil {
		return err
	}
	if entry.Signature == "" {
		return s.reject(fn, ReasonEmptySignature,
			fmt.Sprintf("%s entry carries no signature", checksumAlgorithm))
	}
	if !strings.EqualFold(entry.Checksum, computed) {
		return s.reject(fn, ReasonChecksumMismatch,
			fmt.Sprintf("declared %s, computed %s", entry.Checksum, computed))
	}

	signature, err := base64.StdEncoding.DecodeString(entry.Signature)
	if err != nil {
		return s.reject(fn, ReasonSignatureInvalid, "signature is not valid base64")
	}
	if !ed25519.Verify(s.cfg.PublicKey, []byte(entry.Checksum), signature) {
		return s.reject(fn, ReasonSignatureInvalid, "signature does not verify against the configured key")
	}
	return nil
}

func (s *Service) reject(fn domain.Function, reason, detail string) error {
	s.logger.Warn("function upload rejected",
		"function_code", fn.Code,
		"sourcing", string(fn.Sourcing),
		"reason", reason)
	return domain.Wrap(rejectionCode(reason), domain.KindIntegrityViolation,
		&Rejection{Reason: reason, Detail: detail},
		"function %s failed integrity verification", fn.Code)
}

func rejectionCode(reason string) string {
	switch reason {
	case ReasonNotSigned:
		return "LOOM-3201"
	case ReasonEmptySignature:
		return "LOOM-3202"
	case ReasonChecksumMismatch:
		return "LOOM-3203"
	default:
		return "LOOM-3204"
	}
}
