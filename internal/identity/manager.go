// Package identity owns a single identity container: it classifies the
// decoded blocks, unlocks them with a password, wrapped key or rescue code,
// rotates the unlock key, derives per-site keys and re-seals the container.
//
// A Manager is not safe for concurrent use. Callers serialize mutating
// calls and run the KDF-heavy ones off their interactive goroutine.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tyler-smith/go-bip39"

	"sqrl-client/go-core/internal/container"
	"sqrl-client/go-core/internal/crypto"
	"sqrl-client/go-core/internal/metrics"
	"sqrl-client/go-core/internal/securestore"
)

var (
	ErrUnknownBlockType  = fmt.Errorf("%w: unknown block type", container.ErrParse)
	ErrDuplicateBlock    = fmt.Errorf("%w: duplicate block type", container.ErrParse)
	ErrNoPasswordBlock   = errors.New("identity: no password block")
	ErrNoRescueBlock     = errors.New("identity: no rescue block")
	ErrLocked            = errors.New("identity: identity is locked")
	ErrNoUnlockKey       = errors.New("identity: identity unlock key not available")
	ErrNoPreviousKey     = errors.New("identity: previous identity key not available")
	ErrPreviousSealed    = errors.New("identity: previous identity keys are still sealed")
	ErrStaleCiphertext   = errors.New("identity: block changed and no key is cached to re-seal it")
	ErrPasswordRequired  = errors.New("identity: password is required")
	ErrInvalidParameters = errors.New("identity: invalid parameters")
)

// State is the lifecycle position of a Manager.
type State int

const (
	StateEmpty State = iota
	StateParsed
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateParsed:
		return "parsed"
	case StateUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// Defaults for newly created identities.
const (
	DefaultHintLength      = 4
	DefaultIdleMinutes     = 5
	DefaultPasswordSeconds = 5
	DefaultLogN            = 9
	DefaultRescueTime      = 60 * time.Second
)

type Manager struct {
	engine        *crypto.Engine
	store         securestore.SecretStore
	wrapper       securestore.KeyWrapper
	entropy       io.Reader
	logger        *slog.Logger
	metrics       *metrics.Collectors
	logN          uint8
	rescueTime    time.Duration
	quickPassTime time.Duration
	quickPass     bool
	defaults      passwordDefaults

	pw       *passwordBlock
	rescue   *rescueBlock
	previous *previousBlock

	imk          *crypto.Secret
	ilk          *crypto.Secret
	iuk          *crypto.Secret
	previousKeys []*crypto.Secret
	passwordKey  *crypto.Secret

	pwDirty       bool
	rescueStale   bool
	previousDirty bool

	recoveryText       string
	selectedGeneration int
}

type Option func(*Manager)

func WithEngine(e *crypto.Engine) Option {
	return func(m *Manager) {
		if e != nil {
			m.engine = e
		}
	}
}

// WithSecretStore enables the QuickPass cache and wrapped key persistence.
func WithSecretStore(s securestore.SecretStore) Option {
	return func(m *Manager) { m.store = s }
}

func WithKeyWrapper(w securestore.KeyWrapper) Option {
	return func(m *Manager) { m.wrapper = w }
}

// WithEntropy replaces the default randomness for salts, IVs, rescue codes
// and fresh unlock keys.
func WithEntropy(r io.Reader) Option {
	return func(m *Manager) {
		if r != nil {
			m.entropy = r
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(c *metrics.Collectors) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithLogN sets the scrypt cost used when sealing new blocks.
func WithLogN(logN uint8) Option {
	return func(m *Manager) {
		if logN >= crypto.MinLogN && logN <= crypto.MaxLogN {
			m.logN = logN
		}
	}
}

func WithRescueTime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.rescueTime = d
		}
	}
}

// WithQuickPass toggles the QuickPass cache and sets its KDF time box.
func WithQuickPass(enabled bool, d time.Duration) Option {
	return func(m *Manager) {
		m.quickPass = enabled
		if d > 0 {
			m.quickPassTime = d
		}
	}
}

type passwordDefaults struct {
	hintLength    uint8
	idleMinutes   uint16
	verifySeconds uint8
}

// WithPasswordDefaults sets the header values written into password blocks
// of identities created by this manager. Zero keeps the built-in default.
func WithPasswordDefaults(hintLength uint8, idleMinutes uint16, verifySeconds uint8) Option {
	return func(m *Manager) {
		if hintLength > 0 {
			m.defaults.hintLength = hintLength
		}
		if idleMinutes > 0 {
			m.defaults.idleMinutes = idleMinutes
		}
		if verifySeconds > 0 {
			m.defaults.verifySeconds = verifySeconds
		}
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		engine:             crypto.NewEngine(),
		logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		logN:               DefaultLogN,
		rescueTime:         DefaultRescueTime,
		quickPassTime:      securestore.DefaultQuickPassTime,
		quickPass:          true,
		selectedGeneration: 1,
		defaults: passwordDefaults{
			hintLength:    DefaultHintLength,
			idleMinutes:   DefaultIdleMinutes,
			verifySeconds: DefaultPasswordSeconds,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	switch {
	case m.imk != nil:
		return StateUnlocked
	case m.pw != nil || m.rescue != nil || m.previous != nil:
		return StateParsed
	default:
		return StateEmpty
	}
}

func (m *Manager) HasPasswordBlock() bool { return m.pw != nil }
func (m *Manager) HasRescueBlock() bool   { return m.rescue != nil }
func (m *Manager) HasPreviousBlock() bool { return m.previous != nil }

// HasPreviousKeys reports whether decrypted previous generations are held.
func (m *Manager) HasPreviousKeys() bool { return len(m.previousKeys) > 0 }

func (m *Manager) PreviousKeyCount() int { return len(m.previousKeys) }

// HasUnlockKey reports whether the identity unlock key is in memory, which
// is required for rotation and unlock-request signatures.
func (m *Manager) HasUnlockKey() bool { return m.iuk != nil }

// Load decodes data and classifies its blocks. Previously unlocked secrets
// are cleared first. On error the manager keeps its prior blocks.
func (m *Manager) Load(data []byte) error {
	blocks, err := container.Decode(data)
	if err != nil {
		return err
	}
	var (
		pw       *passwordBlock
		rescue   *rescueBlock
		previous *previousBlock
	)
	for _, b := range blocks {
		switch b.Type {
		case BlockTypePassword:
			if pw != nil {
				return fmt.Errorf("%w: %d", ErrDuplicateBlock, b.Type)
			}
			if pw, err = parsePasswordBlock(b); err != nil {
				return err
			}
		case BlockTypeRescue:
			if rescue != nil {
				return fmt.Errorf("%w: %d", ErrDuplicateBlock, b.Type)
			}
			if rescue, err = parseRescueBlock(b); err != nil {
				return err
			}
		case BlockTypePrevious:
			if previous != nil {
				return fmt.Errorf("%w: %d", ErrDuplicateBlock, b.Type)
			}
			if previous, err = parsePreviousBlock(b); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %d", ErrUnknownBlockType, b.Type)
		}
	}

	m.Clear()
	m.pw, m.rescue, m.previous = pw, rescue, previous
	m.logger.Info("identity loaded",
		slog.String("component", "identity"),
		slog.String("operation", "load"),
		slog.Any("block_types", blockTypes(blocks)),
	)
	return nil
}

func blockTypes(blocks []container.Block) []uint16 {
	types := make([]uint16, 0, len(blocks))
	for _, b := range blocks {
		types = append(types, b.Type)
	}
	return types
}

// Clear wipes every secret and forgets the loaded blocks.
func (m *Manager) Clear() {
	m.wipeSecrets()
	m.pw, m.rescue, m.previous = nil, nil, nil
	m.pwDirty, m.rescueStale, m.previousDirty = false, false, false
	m.recoveryText = ""
	m.selectedGeneration = 1
}

// Lock wipes decrypted secrets but keeps the parsed blocks.
func (m *Manager) Lock() {
	if m.pwDirty || m.previousDirty {
		m.logger.Warn("locking identity with unsaved changes",
			slog.String("component", "identity"),
			slog.String("operation", "lock"),
		)
	}
	m.wipeSecrets()
}

func (m *Manager) wipeSecrets() {
	m.imk.Wipe()
	m.ilk.Wipe()
	m.iuk.Wipe()
	m.passwordKey.Wipe()
	m.imk, m.ilk, m.iuk, m.passwordKey = nil, nil, nil, nil
	wipeAll(m.previousKeys)
	m.previousKeys = nil
}

func wipeAll(keys []*crypto.Secret) {
	for _, k := range keys {
		k.Wipe()
	}
}

func (m *Manager) entropySource() io.Reader {
	if m.entropy == nil {
		return rand.Reader
	}
	return m.entropy
}

func (m *Manager) randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(m.entropySource(), b); err != nil {
		return nil, fmt.Errorf("identity: entropy: %w", err)
	}
	return b, nil
}

// newUnlockKey draws a fresh 256-bit identity unlock key.
func (m *Manager) newUnlockKey() (*crypto.Secret, error) {
	var (
		raw []byte
		err error
	)
	if m.entropy == nil {
		raw, err = bip39.NewEntropy(crypto.KeySize * 8)
	} else {
		raw, err = m.randomBytes(crypto.KeySize)
	}
	if err != nil {
		return nil, err
	}
	key := crypto.SecretFrom(raw)
	crypto.Wipe(raw)
	return key, nil
}
