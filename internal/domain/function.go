package domain

import (
	"strings"
	"time"
)

// FunctionSourcing names where a function's executable payload lives.
type FunctionSourcing string

const (
	SourcingDispatcher FunctionSourcing = "dispatcher"
	SourcingGit        FunctionSourcing = "git"
)

func (s FunctionSourcing) Valid() bool {
	return s == SourcingDispatcher || s == SourcingGit
}

// ChecksumSignature is one declared integrity entry, parsed from the
// "<checksum>:<signature>" wire form.
type ChecksumSignature struct {
	Checksum  string
	Signature string
}

// ParseChecksumEntry splits a declared checksum entry. The checksum part must
// be non-empty; an absent signature part is reported by the verifier, not
// here.
func ParseChecksumEntry(value string) (ChecksumSignature, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return ChecksumSignature{}, E("LOOM-3001", KindIntegrityViolation, "checksum entry is empty")
	}
	checksum, signature, _ := strings.Cut(value, ":")
	checksum = strings.TrimSpace(checksum)
	signature = strings.TrimSpace(signature)
	if checksum == "" {
		return ChecksumSignature{}, E("LOOM-3002", KindIntegrityViolation, "checksum part is empty")
	}
	return ChecksumSignature{Checksum: checksum, Signature: signature}, nil
}

// Function is a registered, trust-verified executable unit. Once persisted
// its code is never silently replaced.
type Function struct {
	Code       string
	Type       string
	Sourcing   FunctionSourcing
	GitRepoURL string
	GitRef     string
	Checksums  map[string]string
	Trusted    bool
	PayloadRef string
	Version    int64
	CreatedAt  time.Time
}

func (f Function) Validate() error {
	if strings.TrimSpace(f.Code) == "" {
		return E("LOOM-3003", KindIntegrityViolation, "function code is required")
	}
	if !f.Sourcing.Valid() {
		return E("LOOM-3004", KindIntegrityViolation, "unknown sourcing mode %q", f.Sourcing)
	}
	if f.Sourcing == SourcingGit && strings.TrimSpace(f.GitRepoURL) == "" {
		return E("LOOM-3005", KindIntegrityViolation, "git-sourced function requires a repository url")
	}
	return nil
}
