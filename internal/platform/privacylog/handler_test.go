package privacylog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	return payload
}

func TestHandlerRedactsSecretsAndFingerprintsDomains(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(Wrap(slog.NewJSONHandler(&buf, nil)))
	logger.Info("unlock",
		"password", "hunter2",
		"rescue_code", "1234-5678",
		"domain", "example.com",
		"state", "unlocked",
	)

	payload := decodeLine(t, &buf)
	for _, key := range []string{"password", "rescue_code"} {
		if got := payload[key]; got != Redacted {
			t.Fatalf("%s = %v, want redacted", key, got)
		}
	}
	if _, ok := payload["domain"]; ok {
		t.Fatal("plain domain must not be logged")
	}
	fp, _ := payload["domain_fp"].(string)
	if !strings.HasPrefix(fp, "fp_") || fp != Fingerprint("example.com") {
		t.Fatalf("unexpected domain fingerprint %q", fp)
	}
	if payload["state"] != "unlocked" {
		t.Fatalf("ordinary attributes must pass through, got %v", payload["state"])
	}
}

func TestHandlerHidesByteSlicesAndNestedSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(Wrap(slog.NewJSONHandler(&buf, nil))).With("host", "Example.com")
	logger.Info("exchange",
		"payload", []byte{1, 2, 3},
		slog.Group("request", "cmd", "query", "signature", "abc"),
	)

	payload := decodeLine(t, &buf)
	if payload["payload"] != "[3 bytes]" {
		t.Fatalf("byte slice leaked: %v", payload["payload"])
	}
	if _, ok := payload["host_fp"]; !ok {
		t.Fatal("host added via With should be fingerprinted")
	}
	group, _ := payload["request"].(map[string]any)
	if group["cmd"] != "query" || group["signature"] != Redacted {
		t.Fatalf("unexpected group %v", group)
	}
}

func TestFingerprintIsDeterministicWithinRun(t *testing.T) {
	if Fingerprint(" a ") != Fingerprint("a") {
		t.Fatal("fingerprint should ignore surrounding space")
	}
	if Fingerprint("a") == Fingerprint("b") {
		t.Fatal("distinct values collided")
	}
	if Fingerprint("") != "" {
		t.Fatal("empty value should stay empty")
	}
}
