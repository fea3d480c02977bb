package identity

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sqrl-client/go-core/internal/container"
	"sqrl-client/go-core/internal/crypto"
	"sqrl-client/go-core/internal/rescue"
)

// Create replaces any loaded container with a brand new identity sealed
// under password and a freshly generated rescue code, which is returned.
func (m *Manager) Create(password string, sink crypto.ProgressSink) (rescue.Code, error) {
	if strings.TrimSpace(password) == "" {
		return rescue.Code{}, ErrPasswordRequired
	}
	code, err := rescue.NewCode(m.entropy)
	if err != nil {
		return rescue.Code{}, err
	}
	iuk, err := m.newUnlockKey()
	if err != nil {
		return rescue.Code{}, err
	}
	imk, ilk, err := deriveMasterKeys(iuk)
	if err != nil {
		iuk.Wipe()
		return rescue.Code{}, err
	}

	m.Clear()
	m.iuk, m.imk, m.ilk = iuk, imk, ilk
	m.pw = m.defaultPasswordBlock()
	if err := m.EncryptRescue(code, sink); err != nil {
		m.Clear()
		return rescue.Code{}, err
	}
	if err := m.EncryptIdentity(password, sink); err != nil {
		m.Clear()
		return rescue.Code{}, err
	}
	m.logger.Info("identity created",
		slog.String("component", "identity"),
		slog.String("operation", "create"),
		slog.Int("log_n", int(m.logN)),
	)
	return code, nil
}

func (m *Manager) defaultPasswordBlock() *passwordBlock {
	return &passwordBlock{
		plaintextLen:    passwordHeaderLen,
		logN:            m.logN,
		flags:           DefaultOptionFlags,
		hintLength:      m.defaults.hintLength,
		pwVerifySeconds: m.defaults.verifySeconds,
		idleMinutes:     m.defaults.idleMinutes,
	}
}

// EncryptIdentity seals the master and lock keys under a new password with
// a fresh salt and IV, time-boxed by the password-verify setting. It also
// serves as change-password.
func (m *Manager) EncryptIdentity(password string, sink crypto.ProgressSink) error {
	if strings.TrimSpace(password) == "" {
		return ErrPasswordRequired
	}
	if m.imk == nil || m.ilk == nil {
		return ErrLocked
	}
	sink = progressOrNop(sink)

	var next passwordBlock
	if m.pw != nil {
		next = *m.pw
		next.extra = clone(m.pw.extra)
	} else {
		next = *m.defaultPasswordBlock()
	}
	salt, err := m.randomBytes(crypto.SaltSize)
	if err != nil {
		return err
	}
	next.salt = salt

	seconds := next.pwVerifySeconds
	if seconds == 0 {
		seconds = DefaultPasswordSeconds
	}
	sink.State(crypto.StateEncryptingIdentity)
	key, iterations, err := m.engine.DeriveTimed([]byte(password), salt, next.logN, time.Duration(seconds)*time.Second, sink)
	if err != nil {
		return err
	}
	next.iterations = iterations
	if err := m.sealPassword(&next, key); err != nil {
		key.Wipe()
		return err
	}

	m.pw = &next
	m.passwordKey.Wipe()
	m.passwordKey = key
	m.pwDirty = false

	m.ClearQuickPass()
	if err := m.ClearWrappedKey(); err != nil {
		m.logger.Debug("wrapped key not cleared",
			slog.String("component", "identity"),
			slog.String("operation", "encrypt_identity"),
			slog.Any("error", err),
		)
	}
	m.cacheUnlockShortcuts(password, sink)
	m.logger.Info("identity sealed",
		slog.String("component", "identity"),
		slog.String("operation", "encrypt_identity"),
		slog.Uint64("iterations", uint64(iterations)),
	)
	return nil
}

// sealPassword encrypts IMK||ILK into blk with a fresh IV under key.
func (m *Manager) sealPassword(blk *passwordBlock, key *crypto.Secret) error {
	iv, err := m.randomBytes(crypto.IVSize)
	if err != nil {
		return err
	}
	blk.iv = iv
	plain := make([]byte, 0, passwordSecretLen)
	plain = append(plain, m.imk.Bytes()...)
	plain = append(plain, m.ilk.Bytes()...)
	defer crypto.Wipe(plain)

	ct, tag, err := crypto.Seal(key.Bytes(), blk.iv, blk.header(), plain)
	if err != nil {
		return err
	}
	blk.ciphertext, blk.tag = ct, tag
	return nil
}

// EncryptRescue seals the identity unlock key under code.
func (m *Manager) EncryptRescue(code rescue.Code, sink crypto.ProgressSink) error {
	if code.IsZero() {
		return fmt.Errorf("%w: empty rescue code", ErrInvalidParameters)
	}
	if m.iuk == nil {
		return ErrNoUnlockKey
	}
	sink = progressOrNop(sink)
	salt, err := m.randomBytes(crypto.SaltSize)
	if err != nil {
		return err
	}
	sink.State(crypto.StateEncryptingRescue)
	key, iterations, err := m.engine.DeriveTimed([]byte(code.Digits()), salt, m.logN, m.rescueTime, sink)
	if err != nil {
		return err
	}
	defer key.Wipe()

	blk := &rescueBlock{salt: salt, logN: m.logN, iterations: iterations}
	ct, tag, err := crypto.Seal(key.Bytes(), make([]byte, crypto.IVSize), blk.header(), m.iuk.Bytes())
	if err != nil {
		return err
	}
	blk.ciphertext, blk.tag = ct, tag
	m.rescue = blk
	m.rescueStale = false
	m.recoveryText = ""
	return nil
}

// RotateIdentity retires the current unlock key into the previous-keys
// history (newest first, at most four) and switches to newIUK, or to a fresh
// random key when newIUK is nil. The master and lock keys are re-derived, so
// the password block is re-sealed on Save and the rescue block needs a new
// code via EncryptRescue.
func (m *Manager) RotateIdentity(newIUK []byte) error {
	if m.iuk == nil {
		return ErrNoUnlockKey
	}
	// Rotating over a block that never decrypted would drop its keys.
	if m.previous != nil && len(m.previousKeys) != int(m.previous.count) {
		return fmt.Errorf("%w: %d of %d loaded", ErrPreviousSealed, len(m.previousKeys), m.previous.count)
	}
	var next *crypto.Secret
	if newIUK == nil {
		key, err := m.newUnlockKey()
		if err != nil {
			return err
		}
		next = key
	} else {
		if len(newIUK) != crypto.KeySize {
			return fmt.Errorf("%w: unlock key is %d bytes", ErrInvalidParameters, len(newIUK))
		}
		next = crypto.SecretFrom(newIUK)
	}
	imk, ilk, err := deriveMasterKeys(next)
	if err != nil {
		next.Wipe()
		return err
	}

	history := make([]*crypto.Secret, 0, MaxPreviousKeys+1)
	history = append(history, m.iuk)
	history = append(history, m.previousKeys...)
	if len(history) > MaxPreviousKeys {
		wipeAll(history[MaxPreviousKeys:])
		history = history[:MaxPreviousKeys]
	}

	m.imk.Wipe()
	m.ilk.Wipe()
	m.iuk, m.imk, m.ilk = next, imk, ilk
	m.previousKeys = history
	m.previous = &previousBlock{count: uint16(len(history))}
	m.previousDirty = true
	m.pwDirty = m.pw != nil
	m.rescueStale = m.rescue != nil
	m.recoveryText = ""
	m.selectedGeneration = 1

	m.logger.Info("identity rotated",
		slog.String("component", "identity"),
		slog.String("operation", "rotate"),
		slog.Int("history_len", len(history)),
	)
	return nil
}

// Save re-encodes every present block in canonical order: password, rescue,
// previous. Blocks whose header or secrets changed are re-sealed first.
func (m *Manager) Save() ([]byte, error) {
	blocks, err := m.blocks(true)
	if err != nil {
		return nil, err
	}
	return container.Encode(blocks)
}

// SaveWithoutPassword encodes only the rescue and previous-keys blocks.
func (m *Manager) SaveWithoutPassword() ([]byte, error) {
	blocks, err := m.blocks(false)
	if err != nil {
		return nil, err
	}
	return container.Encode(blocks)
}

// SaveText renders Save in the armored SQRLDATA form.
func (m *Manager) SaveText() ([]byte, error) {
	raw, err := m.Save()
	if err != nil {
		return nil, err
	}
	return container.Armor(raw)
}

func (m *Manager) blocks(includePassword bool) ([]container.Block, error) {
	out := make([]container.Block, 0, 3)
	if m.pw != nil && includePassword {
		if m.pwDirty {
			if m.passwordKey == nil || m.imk == nil {
				return nil, fmt.Errorf("%w: password block", ErrStaleCiphertext)
			}
			next := *m.pw
			if err := m.sealPassword(&next, m.passwordKey); err != nil {
				return nil, err
			}
			m.pw = &next
			m.pwDirty = false
		}
		out = append(out, m.pw.block())
	}
	if m.rescue != nil {
		if m.rescueStale {
			return nil, fmt.Errorf("%w: rescue block", ErrStaleCiphertext)
		}
		out = append(out, m.rescue.block())
	}
	if m.previous != nil {
		if m.previousDirty {
			if err := m.sealPrevious(); err != nil {
				return nil, err
			}
		}
		out = append(out, m.previous.block())
	}
	return out, nil
}

// sealPrevious encrypts the history under the current master key with the
// all-zero IV. Only rotation marks the block dirty and rotation always
// changes the master key, so a (key, IV) pair never seals two plaintexts.
func (m *Manager) sealPrevious() error {
	if m.imk == nil || len(m.previousKeys) == 0 {
		return fmt.Errorf("%w: previous keys block", ErrStaleCiphertext)
	}
	blk := &previousBlock{count: uint16(len(m.previousKeys))}
	plain := make([]byte, 0, len(m.previousKeys)*crypto.KeySize)
	for _, k := range m.previousKeys {
		plain = append(plain, k.Bytes()...)
	}
	defer crypto.Wipe(plain)
	ct, tag, err := crypto.Seal(m.imk.Bytes(), make([]byte, crypto.IVSize), blk.header(), plain)
	if err != nil {
		return err
	}
	blk.ciphertext, blk.tag = ct, tag
	m.previous = blk
	m.previousDirty = false
	return nil
}

// NeedsReload reports whether data differs from what Save would produce,
// or whether nothing is loaded at all.
func (m *Manager) NeedsReload(data []byte) bool {
	if m.State() == StateEmpty {
		return true
	}
	current, err := m.Save()
	if err != nil {
		return true
	}
	return !bytes.Equal(current, data)
}

func (m *Manager) SetHintLength(n uint8) error {
	if m.pw == nil {
		return ErrNoPasswordBlock
	}
	if m.pw.hintLength != n {
		m.pw.hintLength = n
		m.pwDirty = true
		m.ClearQuickPass()
	}
	return nil
}

func (m *Manager) SetIdleTimeout(minutes uint16) error {
	if m.pw == nil {
		return ErrNoPasswordBlock
	}
	if m.pw.idleMinutes != minutes {
		m.pw.idleMinutes = minutes
		m.pwDirty = true
	}
	return nil
}

func (m *Manager) SetPasswordVerifySeconds(seconds uint8) error {
	if m.pw == nil {
		return ErrNoPasswordBlock
	}
	if m.pw.pwVerifySeconds != seconds {
		m.pw.pwVerifySeconds = seconds
		m.pwDirty = true
	}
	return nil
}

func (m *Manager) SetOptionFlags(flags OptionFlags) error {
	if m.pw == nil {
		return ErrNoPasswordBlock
	}
	if m.pw.flags != flags {
		m.pw.flags = flags
		m.pwDirty = true
	}
	return nil
}

func (m *Manager) SetSQRLOnly(on bool) error {
	if m.pw == nil {
		return ErrNoPasswordBlock
	}
	return m.SetOptionFlags(m.pw.flags.With(FlagSQRLOnly, on))
}

func (m *Manager) SetHardLock(on bool) error {
	if m.pw == nil {
		return ErrNoPasswordBlock
	}
	return m.SetOptionFlags(m.pw.flags.With(FlagHardLock, on))
}

// Settings is the plaintext configuration carried by the password block.
type Settings struct {
	HintLength      uint8
	IdleMinutes     uint16
	PasswordSeconds uint8
	Flags           OptionFlags
	LogN            uint8
	Iterations      uint32
}

func (m *Manager) Settings() (Settings, bool) {
	if m.pw == nil {
		return Settings{}, false
	}
	return Settings{
		HintLength:      m.pw.hintLength,
		IdleMinutes:     m.pw.idleMinutes,
		PasswordSeconds: m.pw.pwVerifySeconds,
		Flags:           m.pw.flags,
		LogN:            m.pw.logN,
		Iterations:      m.pw.iterations,
	}, true
}
