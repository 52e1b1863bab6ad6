package integrity

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loom-labs/loom-go/internal/domain"
)

// sourcing is the closed set of payload origins. Each origin decides what
// bytes the checksum covers and whether the configured trust rules apply.
type sourcing interface {
	// ChecksumInput returns the bytes the declared checksum must cover.
	ChecksumInput(fn domain.Function, payload []byte) ([]byte, error)
	// Trusted reports whether the origin is on the configured allow-list.
	Trusted(fn domain.Function, cfg Config) bool

	sealed()
}

func sourcingFor(fn domain.Function) (sourcing, error) {
	switch fn.Sourcing {
	case domain.SourcingDispatcher:
		return dispatcherSourcing{}, nil
	case domain.SourcingGit:
		return gitSourcing{}, nil
	default:
		return nil, domain.E("LOOM-3205", domain.KindIntegrityViolation,
			"unknown sourcing mode %q for function %s", fn.Sourcing, fn.Code)
	}
}

// dispatcherSourcing covers functions whose payload is uploaded to and
// served by the dispatcher itself. The checksum covers the payload bytes.
type dispatcherSourcing struct{}

func (dispatcherSourcing) ChecksumInput(fn domain.Function, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, domain.E("LOOM-3206", domain.KindIntegrityViolation,
			"dispatcher-hosted function %s has no payload to verify", fn.Code)
	}
	return payload, nil
}

func (dispatcherSourcing) Trusted(fn domain.Function, cfg Config) bool {
	return cfg.TrustDispatcherHosted && fn.Trusted
}

func (dispatcherSourcing) sealed() {}

// gitSourcing covers functions fetched from a git repository by the worker.
// There is no local payload, so the checksum covers the canonical JSON form
// of the function's identifying configuration instead.
type gitSourcing struct{}

// gitChecksumDoc is the canonical config-only representation. Field order is
// fixed by the struct, so the serialized form is stable.
type gitChecksumDoc struct {
	Code    string `json:"code"`
	Type    string `json:"type"`
	RepoURL string `json:"repo_url"`
	Ref     string `json:"ref"`
}

func (gitSourcing) ChecksumInput(fn domain.Function, payload []byte) ([]byte, error) {
	doc := gitChecksumDoc{
		Code:    fn.Code,
		Type:    fn.Type,
		RepoURL: fn.GitRepoURL,
		Ref:     fn.GitRef,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize function %s: %w", fn.Code, err)
	}
	return raw, nil
}

func (gitSourcing) Trusted(fn domain.Function, cfg Config) bool {
	url := strings.TrimSpace(fn.GitRepoURL)
	if url == "" {
		return false
	}
	for _, prefix := range cfg.TrustedGitPrefixes {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" && strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

func (gitSourcing) sealed() {}
