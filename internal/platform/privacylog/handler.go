// Package privacylog keeps key material and per-site identifiers out of logs.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const Redacted = "[REDACTED]"

var (
	// Any key containing one of these is replaced outright.
	secretKeyParts = []string{"password", "passphrase", "secret", "rescue", "code", "key", "seed", "token", "signature", "iuk", "imk"}

	// These are useful for correlating log lines but must not be linkable
	// across runs, so they are hashed with a per-process salt.
	fingerprintKeys = map[string]struct{}{
		"domain":      {},
		"host":        {},
		"identity_id": {},
		"nut":         {},
		"sin":         {},
		"link":        {},
	}

	processSalt = newSalt()
)

// Handler wraps another slog.Handler and rewrites attributes on the way
// through.
type Handler struct {
	next slog.Handler
}

func Wrap(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &Handler{next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(Attr(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = Attr(a)
	}
	return &Handler{next: h.next.WithAttrs(clean)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}

// Attr returns a sanitized copy of a. Raw byte slices are never logged,
// whatever their key; only their length survives.
func Attr(a slog.Attr) slog.Attr {
	key := strings.ToLower(strings.TrimSpace(a.Key))
	value := a.Value.Resolve()
	switch {
	case isSecret(key):
		return slog.String(a.Key, Redacted)
	case isFingerprinted(key):
		return slog.String(a.Key+"_fp", Fingerprint(stringOf(value)))
	}
	switch value.Kind() {
	case slog.KindGroup:
		group := value.Group()
		clean := make([]any, len(group))
		for i, g := range group {
			clean[i] = Attr(g)
		}
		return slog.Group(a.Key, clean...)
	case slog.KindAny:
		if b, ok := value.Any().([]byte); ok {
			return slog.String(a.Key, fmt.Sprintf("[%d bytes]", len(b)))
		}
	}
	return slog.Attr{Key: a.Key, Value: value}
}

// Fingerprint hashes value with the process salt. Equal inputs map to equal
// outputs only within one run.
func Fingerprint(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(processSalt + "|" + value))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func isSecret(key string) bool {
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func isFingerprinted(key string) bool {
	_, ok := fingerprintKeys[strings.TrimSuffix(key, "_fp")]
	return ok && !strings.HasSuffix(key, "_fp")
}

func stringOf(v slog.Value) string {
	if v.Kind() == slog.KindAny {
		if b, ok := v.Any().([]byte); ok {
			return string(b)
		}
	}
	return v.String()
}

func newSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("privacylog: read salt: %v", err))
	}
	return hex.EncodeToString(buf)
}
