package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type cliHarness struct {
	t      *testing.T
	dir    string
	config string
}

func newHarness(t *testing.T) *cliHarness {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "sqrlctl.yaml")
	body := `
storage:
  path: ` + filepath.Join(dir, "sqrl.db") + `
kdf:
  logN: 1
  passwordSeconds: 1
  rescueSeconds: 1
identity:
  quickPass: false
log:
  level: error
metrics:
  textfile: ` + filepath.Join(dir, "sqrlctl.prom") + `
`
	if err := os.WriteFile(cfg, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return &cliHarness{t: t, dir: dir, config: cfg}
}

func (h *cliHarness) run(stdin string, args ...string) (string, error) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCommand(strings.NewReader(stdin), &out, &errOut)
	root.SetArgs(append([]string{"--config", h.config}, args...))
	err := root.Execute()
	return out.String(), err
}

func (h *cliHarness) mustRun(stdin string, args ...string) string {
	h.t.Helper()
	out, err := h.run(stdin, args...)
	if err != nil {
		h.t.Fatalf("sqrlctl %v: %v", args, err)
	}
	return out
}

func decode[T any](t *testing.T, raw string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return v
}

func TestCreateListUnlockExport(t *testing.T) {
	h := newHarness(t)

	created := decode[map[string]string](t, h.mustRun("hunter22\nhunter22\n", "create", "--name", "home"))
	if !strings.HasPrefix(created["id"], "sqrl1") {
		t.Fatalf("unexpected id %q", created["id"])
	}
	if digits := strings.NewReplacer(" ", "", "\n", "").Replace(created["rescue_code"]); len(digits) != 24 {
		t.Fatalf("rescue code %q", created["rescue_code"])
	}

	list := decode[[]identitySummary](t, h.mustRun("", "list"))
	if len(list) != 1 || list[0].ID != created["id"] || !list[0].Current || list[0].Name != "home" {
		t.Fatalf("list = %+v", list)
	}

	show := decode[map[string]any](t, h.mustRun("", "show"))
	if show["password_block"] != true || show["rescue_block"] != true || show["password_seconds"] != float64(1) {
		t.Fatalf("show = %v", show)
	}

	h.mustRun("hunter22\n", "unlock")
	_, err := h.run("wrong-password\n", "unlock")
	if !errors.Is(err, errAuthentication) || exitCode(err) != exitAuthFailed {
		t.Fatalf("wrong password err = %v", err)
	}

	text := h.mustRun("", "export", "--text")
	if !strings.HasPrefix(text, "SQRLDATA") {
		t.Fatalf("armored export = %q", text)
	}
	recovery := h.mustRun("", "rescue")
	if strings.TrimSpace(recovery) == "" {
		t.Fatal("empty recovery text")
	}

	if _, err := os.Stat(filepath.Join(h.dir, "sqrlctl.prom")); err != nil {
		t.Fatalf("metrics textfile not written: %v", err)
	}
}

func TestImportRecoveryTextWithRescueCode(t *testing.T) {
	h := newHarness(t)
	created := decode[map[string]string](t, h.mustRun("pw-one\npw-one\n", "create"))
	recovery := h.mustRun("", "rescue")

	path := filepath.Join(h.dir, "recovery.txt")
	if err := os.WriteFile(path, []byte(recovery), 0o600); err != nil {
		t.Fatal(err)
	}
	h.mustRun("", "forget")

	stdin := strings.ReplaceAll(created["rescue_code"], "\n", " ") + "\npw-two\npw-two\n"
	imported := decode[identitySummary](t, h.mustRun(stdin, "import", "--file", path, "--name", "restored"))
	if imported.ID != created["id"] {
		t.Fatalf("restored id %q, want %q", imported.ID, created["id"])
	}
	h.mustRun("pw-two\n", "unlock")
}

func TestLoginCreatesAccount(t *testing.T) {
	h := newHarness(t)
	h.mustRun("pw\npw\n", "create")

	replies := []string{
		"ver=1\r\nnut=a\r\ntif=4\r\nqry=/sqrl?nut=b\r\n",
		"ver=1\r\nnut=c\r\ntif=5\r\nurl=https://example.com/welcome\r\n",
	}
	var clients []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		client, _ := base64.RawURLEncoding.DecodeString(r.PostForm.Get("client"))
		clients = append(clients, string(client))
		next := replies[0]
		replies = replies[1:]
		_, _ = w.Write([]byte(base64.RawURLEncoding.EncodeToString([]byte(next))))
	}))
	defer srv.Close()

	link := "qrl://" + strings.TrimPrefix(srv.URL, "http://") + "/sqrl?nut=start"
	res := decode[loginResult](t, h.mustRun("pw\n", "login", link, "--create"))
	if res.Command != "ident" || res.CPSURL != "https://example.com/welcome" || res.Known {
		t.Fatalf("result = %+v", res)
	}
	if len(clients) != 2 {
		t.Fatalf("requests = %d", len(clients))
	}
	if !strings.Contains(clients[0], "cmd=query\r\n") || !strings.Contains(clients[0], "opt=suk\r\n") {
		t.Fatalf("query body %q", clients[0])
	}
	if !strings.Contains(clients[1], "cmd=ident\r\n") || !strings.Contains(clients[1], "suk=") || !strings.Contains(clients[1], "vuk=") {
		t.Fatalf("ident body %q", clients[1])
	}
}

func TestUnknownIdentityIsUsageError(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("", "--identity", "sqrl1missing", "show")
	if exitCode(err) != exitInvalidInput {
		t.Fatalf("err = %v, exit %d", err, exitCode(err))
	}
}
