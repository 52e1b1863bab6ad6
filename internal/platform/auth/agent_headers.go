package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderAgentID        = "X-Loom-Agent"
	HeaderAuthTimestamp  = "X-Loom-Auth-Ts"
	HeaderAuthSignature  = "X-Loom-Auth-Sig"
	HeaderAuthDisabledOK = "X-Loom-Auth-Dev"
)

// ComputeAgentSignature signs the canonical request description with the
// shared agent secret.
func ComputeAgentSignature(secret, ts, method, path, agentID string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("agent auth secret is required")
	}
	if strings.TrimSpace(ts) == "" {
		return "", errors.New("timestamp is required")
	}
	msg := canonicalAgentRequest(ts, method, path, agentID)
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(msg)); err != nil {
		return "", fmt.Errorf("hmac: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func VerifyAgentSignature(secret, ts, method, path, agentID, signature string) error {
	expected, err := ComputeAgentSignature(secret, ts, method, path, agentID)
	if err != nil {
		return err
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return errors.New("signature is required")
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("invalid signature")
	}
	return nil
}

func VerifyAgentTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return errors.New("timestamp is required")
	}
	parsed, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}

	tsTime := time.Unix(parsed, 0).UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if tsTime.After(now.Add(maxSkew)) || tsTime.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}

// AgentMiddleware authenticates worker-agent requests. An empty secret
// disables verification (development only).
func AgentMiddleware(secret string, maxSkew time.Duration, next http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			// Flags the response so a misconfigured deployment is visible
			// to the agent instead of silently unauthenticated.
			w.Header().Set(HeaderAuthDisabledOK, "1")
			next.ServeHTTP(w, r)
			return
		}

		ts := r.Header.Get(HeaderAuthTimestamp)
		if err := VerifyAgentTimestamp(ts, time.Now().UTC(), maxSkew); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		agentID := strings.TrimSpace(r.Header.Get(HeaderAgentID))
		sig := r.Header.Get(HeaderAuthSignature)
		if err := VerifyAgentSignature(secret, ts, r.Method, r.URL.Path, agentID, sig); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func canonicalAgentRequest(ts, method, path, agentID string) string {
	parts := []string{
		strings.TrimSpace(ts),
		strings.ToUpper(strings.TrimSpace(method)),
		strings.TrimSpace(path),
		strings.TrimSpace(agentID),
	}
	return strings.Join(parts, "\n")
}
