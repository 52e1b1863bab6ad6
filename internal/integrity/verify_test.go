package integrity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"log/slog"
	"testing"

	"github.com/loom-labs/loom-go/internal/domain"
)

func testKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func signedEntry(priv ed25519.PrivateKey, input []byte) string {
	sum := sha256.Sum256(input)
	checksum := hex.EncodeToString(sum[:])
	signature := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(checksum)))
	return checksum + ":" + signature
}

func testService(cfg Config) *Service {
	return NewService(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
}

func dispatcherFn(entry string) domain.Function {
	return domain.Function{
		Code:      "fn-train",
		Type:      "binary",
		Sourcing:  domain.SourcingDispatcher,
		Checksums: map[string]string{"sha256": entry},
	}
}

func TestVerifyAcceptsSignedDispatcherPayload(t *testing.T) {
	pub, priv := testKeys(t)
	payload := []byte("executable bytes")
	svc := testService(Config{Policy: PolicyAlways, PublicKey: pub})

	if err := svc.Verify(dispatcherFn(signedEntry(priv, payload)), payload); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
}

func TestVerifyRejectionReasons(t *testing.T) {
	pub, priv := testKeys(t)
	_, otherPriv := testKeys(t)
	payload := []byte("executable bytes")
	goodEntry := signedEntry(priv, payload)
	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])

	cases := []struct {
		name    string
		fn      domain.Function
		payload []byte
		reason  string
	}{
		{
			name:    "missing checksum entry",
			fn:      domain.Function{Code: "fn", Type: "binary", Sourcing: domain.SourcingDispatcher},
			payload: payload,
			reason:  ReasonNotSigned,
		},
		{
			name:    "checksum without signature",
			fn:      dispatcherFn(checksum),
			payload: payload,
			reason:  ReasonEmptySignature,
		},
		{
			name:    "tampered payload",
			fn:      dispatcherFn(goodEntry),
			payload: []byte("tampered bytes"),
			reason:  ReasonChecksumMismatch,
		},
		{
			name:    "signature from the wrong key",
			fn:      dispatcherFn(signedEntry(otherPriv, payload)),
			payload: payload,
			reason:  ReasonSignatureInvalid,
		},
		{
			name:    "signature that is not base64",
			fn:      dispatcherFn(checksum + ":%%%not-base64%%%"),
			payload: payload,
			reason:  ReasonSignatureInvalid,
		},
	}

	svc := testService(Config{Policy: PolicyAlways, PublicKey: pub})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Verify(tc.fn, tc.payload)
			if !domain.IsIntegrityViolation(err) {
				t.Fatalf("expected integrity violation, got %v", err)
			}
			if got := RejectionReason(err); got != tc.reason {
				t.Fatalf("expected reason %q, got %q (%v)", tc.reason, got, err)
			}
		})
	}
}

func TestVerifyPolicyNoneAcceptsAnything(t *testing.T) {
	svc := testService(Config{Policy: PolicyNone})
	fn := dispatcherFn("")
	if err := svc.Verify(fn, []byte("whatever")); err != nil {
		t.Fatalf("policy none must accept unconditionally, got %v", err)
	}
}

func TestVerifySkipTrustedGitPrefix(t *testing.T) {
	pub, _ := testKeys(t)
	cfg := Config{
		Policy:             PolicySkipTrusted,
		TrustedGitPrefixes: []string{"https://git.internal.example.com/loom/"},
		PublicKey:          pub,
	}
	svc := testService(cfg)

	trusted := domain.Function{
		Code:       "fn-git",
		Type:       "script",
		Sourcing:   domain.SourcingGit,
		GitRepoURL: "https://git.internal.example.com/loom/trainers.git",
		GitRef:     "v1.2.0",
	}
	if err := svc.Verify(trusted, nil); err != nil {
		t.Fatalf("trusted prefix must skip verification, got %v", err)
	}

	untrusted := trusted
	untrusted.GitRepoURL = "https://github.com/somebody/else.git"
	err := svc.Verify(untrusted, nil)
	if !domain.IsIntegrityViolation(err) {
		t.Fatalf("untrusted origin must be verified and rejected unsigned, got %v", err)
	}
	if RejectionReason(err) != ReasonNotSigned {
		t.Fatalf("expected not_signed, got %q", RejectionReason(err))
	}
}

func TestVerifyGitChecksumCoversCanonicalConfig(t *testing.T) {
	pub, priv := testKeys(t)
	svc := testService(Config{Policy: PolicyAlways, PublicKey: pub})

	fn := domain.Function{
		Code:       "fn-git",
		Type:       "script",
		Sourcing:   domain.SourcingGit,
		GitRepoURL: "https://github.com/somebody/else.git",
		GitRef:     "v1.2.0",
	}
	input, err := gitSourcing{}.ChecksumInput(fn, nil)
	if err != nil {
		t.Fatalf("checksum input: %v", err)
	}
	fn.Checksums = map[string]string{"sha256": signedEntry(priv, input)}
	if err := svc.Verify(fn, nil); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}

	// Changing the ref invalidates the declared checksum.
	fn.GitRef = "v1.3.0"
	err = svc.Verify(fn, nil)
	if RejectionReason(err) != ReasonChecksumMismatch {
		t.Fatalf("expected checksum_mismatch, got %v", err)
	}
}

func TestVerifyDispatcherPayloadRequired(t *testing.T) {
	pub, _ := testKeys(t)
	svc := testService(Config{Policy: PolicyAlways, PublicKey: pub})
	err := svc.Verify(dispatcherFn("deadbeef:sig"), nil)
	if !domain.IsIntegrityViolation(err) {
		t.Fatalf("expected integrity violation for missing payload, got %v", err)
	}
}
