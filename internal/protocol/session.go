package protocol

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"sqrl-client/go-core/internal/crypto"
	"sqrl-client/go-core/internal/metrics"
)

const protocolVersion = "1"

type Command string

const (
	CmdQuery   Command = "query"
	CmdIdent   Command = "ident"
	CmdEnable  Command = "enable"
	CmdDisable Command = "disable"
	CmdRemove  Command = "remove"
)

func (c Command) valid() bool {
	switch c {
	case CmdQuery, CmdIdent, CmdEnable, CmdDisable, CmdRemove:
		return true
	}
	return false
}

// Options are the client flags sent on the opt line.
type Options struct {
	HardLock   bool
	SQRLOnly   bool
	NoIPTest   bool
	CPS        bool
	RequestSUK bool
}

// String renders the flags joined by '~', or "" when none is set.
func (o Options) String() string {
	var set []string
	if o.HardLock {
		set = append(set, "hardlock")
	}
	if o.SQRLOnly {
		set = append(set, "sqrlonly")
	}
	if o.NoIPTest {
		set = append(set, "noiptest")
	}
	if o.CPS {
		set = append(set, "cps")
	}
	if o.RequestSUK {
		set = append(set, "suk")
	}
	return strings.Join(set, "~")
}

// RequestOptions shape one exchange.
type RequestOptions struct {
	Options Options
	// CreateAccount sends a fresh suk/vuk pair with ident.
	CreateAccount bool
	// UnlockSignature adds urs when the last response carried a suk.
	UnlockSignature bool
}

// KeyProvider supplies the per-site keys. *identity.Manager satisfies it.
type KeyProvider interface {
	DomainSigningKey(domain []byte, usePrevious bool, generation int) (ed25519.PrivateKey, error)
	SecretIndex(domain []byte, sin string, usePrevious bool) (string, error)
	ServerUnlockMaterial(random []byte) (suk, vuk []byte, err error)
	UnlockAuthorizationKey(suk []byte, usePrevious bool) (ed25519.PrivateKey, error)
	HasPreviousKeys() bool
	PreviousKeyCount() int
	SelectPreviousGeneration(generation int) error
	SelectedGeneration() int
}

// CPSNotifier is told about a client-provided-session redirect.
type CPSNotifier func(url string)

type State int

const (
	StateAwaitingQuery State = iota
	StateQuerySent
	StateResponseReceived
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitingQuery:
		return "awaiting_query"
	case StateQuerySent:
		return "query_sent"
	case StateResponseReceived:
		return "response_received"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session drives one login conversation with a single site. Exchanges are
// serialized; a second concurrent Exchange fails with ErrExchangeInFlight.
type Session struct {
	link      Link
	keys      KeyProvider
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.Collectors
	progress  crypto.ProgressSink
	onCPS     CPSNotifier
	now       func() time.Time

	mu                sync.Mutex
	state             State
	inFlight          bool
	last              *Response
	serverText        string
	queryPath         string
	askButton         int
	loginWithPrevious bool
}

type SessionOption func(*Session)

func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSessionMetrics(c *metrics.Collectors) SessionOption {
	return func(s *Session) { s.metrics = c }
}

func WithProgress(sink crypto.ProgressSink) SessionOption {
	return func(s *Session) {
		if sink != nil {
			s.progress = sink
		}
	}
}

func WithCPSNotifier(fn CPSNotifier) SessionOption {
	return func(s *Session) { s.onCPS = fn }
}

func NewSession(link Link, keys KeyProvider, transport Transport, opts ...SessionOption) (*Session, error) {
	if keys == nil || transport == nil {
		return nil, errors.New("protocol: session needs keys and transport")
	}
	if len(link.Domain) == 0 {
		return nil, ErrInvalidDomain
	}
	s := &Session{
		link:       link,
		keys:       keys,
		transport:  transport,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		progress:   crypto.NopProgress{},
		now:        time.Now,
		serverText: link.Raw,
		queryPath:  link.Path,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "protocol", "host", link.Host())
	return s, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Last returns the most recent server response, or nil.
func (s *Session) Last() *Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// QueryPath is where the next request will be posted.
func (s *Session) QueryPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryPath
}

// SetAskButton queues btn=n for the next request. Zero clears it.
func (s *Session) SetAskButton(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.askButton = n
}

// LoginWithPreviousKey makes ident carry pidk and a new suk/vuk pair so the
// server can move the account to the current identity.
func (s *Session) LoginWithPreviousKey(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginWithPrevious = on
}

// NextPreviousGeneration moves pidk to the next older unlock key. It
// returns false when no older key is left.
func (s *Session) NextPreviousGeneration() (int, bool) {
	next := s.keys.SelectedGeneration() + 1
	if next > s.keys.PreviousKeyCount() {
		return s.keys.SelectedGeneration(), false
	}
	if err := s.keys.SelectPreviousGeneration(next); err != nil {
		return s.keys.SelectedGeneration(), false
	}
	return next, true
}

// Abort ends the session. Further exchanges fail.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateTerminated
}

// BuildRequest renders the client body for cmd. A queued ask button is
// consumed.
func (s *Session) BuildRequest(cmd Command, opts RequestOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildRequestLocked(cmd, opts)
}

func (s *Session) buildRequestLocked(cmd Command, opts RequestOptions) (string, error) {
	if !cmd.valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	domain := s.link.Domain
	hasPrevious := s.keys.HasPreviousKeys()

	var b strings.Builder
	line := func(key, value string) {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(value)
		b.WriteString("\r\n")
	}

	line("ver", protocolVersion)
	line("cmd", string(cmd))
	if s.askButton > 0 {
		line("btn", strconv.Itoa(s.askButton))
		s.askButton = 0
	}
	if opt := opts.Options.String(); opt != "" {
		line("opt", opt)
	}
	if s.last != nil {
		if sin, ok := s.last.SecretIndexRequest(); ok {
			ins, err := s.keys.SecretIndex(domain, sin, false)
			if err != nil {
				return "", err
			}
			line("ins", ins)
			if hasPrevious {
				pins, err := s.keys.SecretIndex(domain, sin, true)
				if err != nil {
					return "", err
				}
				line("pins", pins)
			}
		}
	}

	createAccount := cmd == CmdIdent && opts.CreateAccount
	if createAccount {
		if err := s.writeUnlockMaterial(line); err != nil {
			return "", err
		}
	}

	idk, err := s.publicKey(false)
	if err != nil {
		return "", err
	}
	line("idk", idk)

	switch {
	case cmd == CmdIdent && !createAccount:
		if s.loginWithPrevious && hasPrevious {
			pidk, err := s.publicKey(true)
			if err != nil {
				return "", err
			}
			line("pidk", pidk)
			if err := s.writeUnlockMaterial(line); err != nil {
				return "", err
			}
		}
	case hasPrevious:
		pidk, err := s.publicKey(true)
		if err != nil {
			return "", err
		}
		line("pidk", pidk)
	}
	return b.String(), nil
}

func (s *Session) writeUnlockMaterial(line func(key, value string)) error {
	suk, vuk, err := s.keys.ServerUnlockMaterial(nil)
	if err != nil {
		return err
	}
	line("suk", encode(suk))
	line("vuk", encode(vuk))
	return nil
}

func (s *Session) publicKey(previous bool) (string, error) {
	key, err := s.keys.DomainSigningKey(s.link.Domain, previous, 0)
	if err != nil {
		return "", err
	}
	defer crypto.Wipe(key)
	return encode(key.Public().(ed25519.PublicKey)), nil
}

// SignAndEncode builds the form parameters for one request. The signed
// message is base64url(client) followed by base64url(server).
func (s *Session) SignAndEncode(client, server string, includeUnlockSignature bool) (url.Values, error) {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	s.progress.State(crypto.StatePreparingQuery)

	clientEnc := encode([]byte(client))
	serverEnc := encode([]byte(server))
	message := []byte(clientEnc + serverEnc)

	form := url.Values{}
	form.Set("client", clientEnc)
	form.Set("server", serverEnc)

	ids, err := s.sign(message, func() (ed25519.PrivateKey, error) {
		return s.keys.DomainSigningKey(s.link.Domain, false, 0)
	})
	if err != nil {
		return nil, err
	}
	form.Set("ids", ids)

	if s.keys.HasPreviousKeys() {
		pids, err := s.sign(message, func() (ed25519.PrivateKey, error) {
			return s.keys.DomainSigningKey(s.link.Domain, true, 0)
		})
		if err != nil {
			return nil, err
		}
		form.Set("pids", pids)
	}

	if includeUnlockSignature && last != nil {
		if suk, ok := last.ServerUnlockKey(); ok {
			usePrevious := last.tif().Has(TIFPreviousIDMatch)
			urs, err := s.sign(message, func() (ed25519.PrivateKey, error) {
				return s.keys.UnlockAuthorizationKey(suk, usePrevious)
			})
			if err != nil {
				return nil, err
			}
			form.Set("urs", urs)
		}
	}
	return form, nil
}

func (s *Session) sign(message []byte, key func() (ed25519.PrivateKey, error)) (string, error) {
	priv, err := key()
	if err != nil {
		return "", err
	}
	defer crypto.Wipe(priv)
	return encode(ed25519.Sign(priv, message)), nil
}

// Submit posts form to path on the session's origin and parses the reply.
// It does not change session state.
func (s *Session) Submit(ctx context.Context, path string, form url.Values) (*Response, error) {
	s.progress.State(crypto.StateContactingServer)
	body, err := s.transport.Post(ctx, s.link.URL(path), form)
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			return nil, err
		}
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return nil, err
	}
	resp, err := ParseResponse(body)
	if err != nil {
		return nil, err
	}
	if _, ok, err := resp.TIF(); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: response has no tif", ErrProtocol)
	}
	return resp, nil
}

// Exchange builds, signs and submits cmd, then records the reply. A
// transport failure leaves the session as it was so the call can be
// retried. A protocol failure or a fatal tif terminates the session; in
// the latter case the response is still returned.
func (s *Session) Exchange(ctx context.Context, cmd Command, opts RequestOptions) (*Response, error) {
	s.mu.Lock()
	switch {
	case s.state == StateTerminated:
		s.mu.Unlock()
		return nil, ErrSessionTerminated
	case s.inFlight:
		s.mu.Unlock()
		return nil, ErrExchangeInFlight
	case cmd != CmdQuery && s.last == nil:
		s.mu.Unlock()
		return nil, ErrQueryRequired
	}
	client, err := s.buildRequestLocked(cmd, opts)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	server, path, previous := s.serverText, s.queryPath, s.state
	s.inFlight = true
	s.state = StateQuerySent
	s.mu.Unlock()

	started := s.now()
	form, err := s.SignAndEncode(client, server, opts.UnlockSignature)
	var resp *Response
	if err == nil {
		resp, err = s.Submit(ctx, path, form)
	}
	elapsed := s.now().Sub(started)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false

	switch {
	case err != nil && errors.Is(err, ErrProtocol):
		s.state = StateTerminated
		s.metrics.RecordExchange(string(cmd), "protocol_error", elapsed)
		s.logger.Warn("exchange rejected", "operation", string(cmd), "error", err)
		return nil, err
	case err != nil:
		s.state = previous
		s.metrics.RecordExchange(string(cmd), "transport_error", elapsed)
		s.logger.Warn("exchange failed", "operation", string(cmd), "error", err)
		return nil, err
	}

	s.last = resp
	s.serverText = resp.Text
	if qry := resp.QueryLink(); qry != "" {
		s.queryPath = qry
	}
	s.state = StateResponseReceived
	tif := resp.tif()
	outcome := "ok"
	if tif.IsFatal(!opts.Options.NoIPTest) {
		s.state = StateTerminated
		outcome = "fatal"
	} else if tif.IsRecoverable() {
		outcome = "recoverable"
	}
	s.metrics.RecordExchange(string(cmd), outcome, elapsed)
	s.logger.Info("exchange complete", "operation", string(cmd), "tif", tif.String(), "outcome", outcome, "nut", resp.Nut())

	if cps, ok := resp.CPSURL(); ok && s.onCPS != nil {
		s.onCPS(cps)
	}
	return resp, nil
}

func encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
