package protocol

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

type fakeKeys struct {
	previous int
	selected int
}

func keyFor(tag string, material []byte) ed25519.PrivateKey {
	seed := sha256.Sum256(append([]byte(tag+"|"), material...))
	return ed25519.NewKeyFromSeed(seed[:])
}

func (f *fakeKeys) DomainSigningKey(domain []byte, usePrevious bool, generation int) (ed25519.PrivateKey, error) {
	if !usePrevious {
		return keyFor("current", domain), nil
	}
	if f.previous == 0 {
		return nil, errors.New("no previous keys")
	}
	if generation == 0 {
		generation = f.selected
	}
	return keyFor(fmt.Sprintf("previous-%d", generation), domain), nil
}

func (f *fakeKeys) SecretIndex(domain []byte, sin string, usePrevious bool) (string, error) {
	if usePrevious {
		return "pins-" + sin, nil
	}
	return "ins-" + sin, nil
}

func (f *fakeKeys) ServerUnlockMaterial([]byte) ([]byte, []byte, error) {
	return bytes.Repeat([]byte{1}, 32), bytes.Repeat([]byte{2}, 32), nil
}

func (f *fakeKeys) UnlockAuthorizationKey(suk []byte, usePrevious bool) (ed25519.PrivateKey, error) {
	return keyFor(fmt.Sprintf("urs-%v", usePrevious), suk), nil
}

func (f *fakeKeys) HasPreviousKeys() bool   { return f.previous > 0 }
func (f *fakeKeys) PreviousKeyCount() int   { return f.previous }
func (f *fakeKeys) SelectedGeneration() int { return f.selected }

func (f *fakeKeys) SelectPreviousGeneration(generation int) error {
	if generation < 1 || generation > f.previous {
		return errors.New("out of range")
	}
	f.selected = generation
	return nil
}

type reply struct {
	status int
	text   string
}

type recorded struct {
	path   string
	form   url.Values
	client string
	server string
}

type fakeServer struct {
	t       *testing.T
	srv     *httptest.Server
	mu      sync.Mutex
	replies []reply
	seen    []recorded
}

func newFakeServer(t *testing.T, replies ...reply) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, replies: replies}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != formContentType {
		fs.t.Errorf("content type = %q", ct)
	}
	if err := r.ParseForm(); err != nil {
		fs.t.Errorf("parse form: %v", err)
	}
	client, _ := base64.RawURLEncoding.DecodeString(r.PostForm.Get("client"))
	server, _ := base64.RawURLEncoding.DecodeString(r.PostForm.Get("server"))

	fs.mu.Lock()
	fs.seen = append(fs.seen, recorded{
		path:   r.URL.RequestURI(),
		form:   r.PostForm,
		client: string(client),
		server: string(server),
	})
	var next reply
	if len(fs.replies) > 0 {
		next, fs.replies = fs.replies[0], fs.replies[1:]
	} else {
		next = reply{status: http.StatusGone}
	}
	fs.mu.Unlock()

	if next.status != 0 && next.status != http.StatusOK {
		w.WriteHeader(next.status)
		return
	}
	_, _ = w.Write([]byte(base64.RawURLEncoding.EncodeToString([]byte(next.text))))
}

func (fs *fakeServer) link(t *testing.T) Link {
	t.Helper()
	link, err := ParseLink("qrl://" + strings.TrimPrefix(fs.srv.URL, "http://") + "/sqrl?nut=start")
	if err != nil {
		t.Fatal(err)
	}
	return link
}

func (fs *fakeServer) requests() []recorded {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]recorded(nil), fs.seen...)
}

func newTestSession(t *testing.T, fs *fakeServer, keys *fakeKeys, opts ...SessionOption) *Session {
	t.Helper()
	s, err := NewSession(fs.link(t), keys, NewHTTPTransport(0), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func verifySignature(t *testing.T, rec recorded, param string, key ed25519.PrivateKey) {
	t.Helper()
	sig, err := base64.RawURLEncoding.DecodeString(rec.form.Get(param))
	if err != nil {
		t.Fatalf("decode %s: %v", param, err)
	}
	message := rec.form.Get("client") + rec.form.Get("server")
	if !ed25519.Verify(key.Public().(ed25519.PublicKey), []byte(message), sig) {
		t.Fatalf("%s does not verify", param)
	}
}

func TestOptionsString(t *testing.T) {
	if got := (Options{}).String(); got != "" {
		t.Fatalf("empty options = %q", got)
	}
	got := Options{HardLock: true, NoIPTest: true, RequestSUK: true}.String()
	if got != "hardlock~noiptest~suk" {
		t.Fatalf("options = %q", got)
	}
}

func TestQueryThenIdentFollowsServer(t *testing.T) {
	fs := newFakeServer(t,
		reply{text: "ver=1\r\nnut=N1\r\ntif=5\r\nqry=/sqrl?nut=N2\r\nsin=7\r\n"},
		reply{text: "ver=1\r\nnut=N3\r\ntif=5\r\nqry=/sqrl?nut=N4\r\nurl=https://example.com/cps\r\n"},
	)
	var cps string
	keys := &fakeKeys{}
	s := newTestSession(t, fs, keys, WithCPSNotifier(func(u string) { cps = u }))
	ctx := context.Background()

	first, err := s.Exchange(ctx, CmdQuery, RequestOptions{Options: Options{NoIPTest: true, RequestSUK: true}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !first.IsIdentityKnown(false) {
		t.Fatal("expected known identity")
	}
	if s.State() != StateResponseReceived || s.QueryPath() != "/sqrl?nut=N2" {
		t.Fatalf("state %v path %q", s.State(), s.QueryPath())
	}

	if _, err := s.Exchange(ctx, CmdIdent, RequestOptions{Options: Options{CPS: true}}); err != nil {
		t.Fatalf("ident: %v", err)
	}
	if cps != "https://example.com/cps" {
		t.Fatalf("cps notifier got %q", cps)
	}

	reqs := fs.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if reqs[0].path != "/sqrl?nut=start" || reqs[1].path != "/sqrl?nut=N2" {
		t.Fatalf("paths = %q, %q", reqs[0].path, reqs[1].path)
	}
	if reqs[0].server != fs.link(t).Raw {
		t.Fatalf("first server value = %q", reqs[0].server)
	}
	if reqs[1].server != first.Text {
		t.Fatalf("second server value should echo the previous response")
	}

	domain := fs.link(t).Domain
	idk := base64.RawURLEncoding.EncodeToString(keyFor("current", domain).Public().(ed25519.PublicKey))
	wantQuery := "ver=1\r\ncmd=query\r\nopt=noiptest~suk\r\nidk=" + idk + "\r\n"
	if reqs[0].client != wantQuery {
		t.Fatalf("query body:\n%q\nwant\n%q", reqs[0].client, wantQuery)
	}
	wantIdent := "ver=1\r\ncmd=ident\r\nopt=cps\r\nins=ins-7\r\nidk=" + idk + "\r\n"
	if reqs[1].client != wantIdent {
		t.Fatalf("ident body:\n%q\nwant\n%q", reqs[1].client, wantIdent)
	}
	for _, rec := range reqs {
		verifySignature(t, rec, "ids", keyFor("current", domain))
		if rec.form.Has("pids") || rec.form.Has("urs") {
			t.Fatal("no previous keys and no unlock request: pids/urs must be absent")
		}
	}
}

func TestBuildRequestWithPreviousKeys(t *testing.T) {
	fs := newFakeServer(t)
	keys := &fakeKeys{previous: 2, selected: 1}
	s := newTestSession(t, fs, keys)
	domain := fs.link(t).Domain
	pub := func(k ed25519.PrivateKey) string {
		return base64.RawURLEncoding.EncodeToString(k.Public().(ed25519.PublicKey))
	}
	idk := pub(keyFor("current", domain))
	pidk := pub(keyFor("previous-1", domain))
	suk := base64.RawURLEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32))
	vuk := base64.RawURLEncoding.EncodeToString(bytes.Repeat([]byte{2}, 32))

	create, err := s.BuildRequest(CmdIdent, RequestOptions{CreateAccount: true})
	if err != nil {
		t.Fatal(err)
	}
	want := "ver=1\r\ncmd=ident\r\nsuk=" + suk + "\r\nvuk=" + vuk + "\r\nidk=" + idk + "\r\npidk=" + pidk + "\r\n"
	if create != want {
		t.Fatalf("create body:\n%q\nwant\n%q", create, want)
	}

	login, err := s.BuildRequest(CmdIdent, RequestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if login != "ver=1\r\ncmd=ident\r\nidk="+idk+"\r\n" {
		t.Fatalf("plain ident should not send pidk: %q", login)
	}

	s.LoginWithPreviousKey(true)
	s.SetAskButton(2)
	login, err = s.BuildRequest(CmdIdent, RequestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want = "ver=1\r\ncmd=ident\r\nbtn=2\r\nidk=" + idk + "\r\npidk=" + pidk + "\r\nsuk=" + suk + "\r\nvuk=" + vuk + "\r\n"
	if login != want {
		t.Fatalf("previous-key ident:\n%q\nwant\n%q", login, want)
	}

	disable, err := s.BuildRequest(CmdDisable, RequestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(disable, "btn=") {
		t.Fatal("ask button must be consumed by the first request")
	}
	if !strings.HasSuffix(disable, "pidk="+pidk+"\r\n") {
		t.Fatalf("disable should carry pidk: %q", disable)
	}

	if gen, ok := s.NextPreviousGeneration(); !ok || gen != 2 {
		t.Fatalf("next generation = %d, %v", gen, ok)
	}
	if _, ok := s.NextPreviousGeneration(); ok {
		t.Fatal("no generation beyond the second")
	}
}

func TestUnlockSignatureUsesServerUnlockKey(t *testing.T) {
	suk := bytes.Repeat([]byte{9}, 32)
	fs := newFakeServer(t,
		reply{text: "ver=1\r\nnut=N1\r\ntif=6\r\nqry=/sqrl?nut=N2\r\nsuk=" + base64.RawURLEncoding.EncodeToString(suk) + "\r\n"},
		reply{text: "ver=1\r\nnut=N3\r\ntif=e\r\n"},
	)
	keys := &fakeKeys{previous: 1, selected: 1}
	s := newTestSession(t, fs, keys)
	ctx := context.Background()

	if _, err := s.Exchange(ctx, CmdQuery, RequestOptions{Options: Options{RequestSUK: true}}); err != nil {
		t.Fatal(err)
	}
	resp, err := s.Exchange(ctx, CmdDisable, RequestOptions{UnlockSignature: true})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.IsIdentityKnown(true) {
		t.Fatal("tif=e reports a disabled previous identity")
	}

	reqs := fs.requests()
	domain := fs.link(t).Domain
	verifySignature(t, reqs[0], "pids", keyFor("previous-1", domain))
	if reqs[0].form.Has("urs") {
		t.Fatal("urs requires a server unlock key from a prior response")
	}
	verifySignature(t, reqs[1], "ids", keyFor("current", domain))
	verifySignature(t, reqs[1], "urs", keyFor("urs-true", suk))
}

func TestCommandBeforeQueryIsRefused(t *testing.T) {
	fs := newFakeServer(t)
	s := newTestSession(t, fs, &fakeKeys{})
	if _, err := s.Exchange(context.Background(), CmdIdent, RequestOptions{}); !errors.Is(err, ErrQueryRequired) {
		t.Fatalf("err = %v, want ErrQueryRequired", err)
	}
	if _, err := s.BuildRequest(Command("login"), RequestOptions{}); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("err = %v, want ErrUnknownCommand", err)
	}
}

func TestNonSuccessStatusTerminatesSession(t *testing.T) {
	fs := newFakeServer(t, reply{status: http.StatusInternalServerError})
	s := newTestSession(t, fs, &fakeKeys{})
	_, err := s.Exchange(context.Background(), CmdQuery, RequestOptions{})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
	var status *StatusError
	if !errors.As(err, &status) || status.Code != http.StatusInternalServerError {
		t.Fatalf("expected status error, got %v", err)
	}
	if s.State() != StateTerminated {
		t.Fatalf("state = %v", s.State())
	}
	if _, err := s.Exchange(context.Background(), CmdQuery, RequestOptions{}); !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("err = %v, want ErrSessionTerminated", err)
	}
}

func TestMissingTIFIsProtocolError(t *testing.T) {
	fs := newFakeServer(t, reply{text: "ver=1\r\nnut=N1\r\n"})
	s := newTestSession(t, fs, &fakeKeys{})
	if _, err := s.Exchange(context.Background(), CmdQuery, RequestOptions{}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
	if s.Last() != nil {
		t.Fatal("a rejected response must not be recorded")
	}
}

func TestFatalTIFEndsSessionButReturnsResponse(t *testing.T) {
	fs := newFakeServer(t, reply{text: "ver=1\r\ntif=44\r\n"})
	s := newTestSession(t, fs, &fakeKeys{})
	resp, err := s.Exchange(context.Background(), CmdQuery, RequestOptions{})
	if err != nil {
		t.Fatalf("fatal tif is a status, not an error: %v", err)
	}
	if !resp.IsFatal(false) || s.State() != StateTerminated {
		t.Fatalf("state = %v", s.State())
	}
}

func TestTransportErrorKeepsSessionRetryable(t *testing.T) {
	fs := newFakeServer(t)
	link := fs.link(t)
	fs.srv.Close()

	s, err := NewSession(link, &fakeKeys{}, NewHTTPTransport(0))
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Exchange(context.Background(), CmdQuery, RequestOptions{})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if s.State() != StateAwaitingQuery {
		t.Fatalf("state = %v, want awaiting_query", s.State())
	}

	s.Abort()
	if s.State() != StateTerminated {
		t.Fatal("abort should terminate")
	}
}
