package identity

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"sqrl-client/go-core/internal/crypto"
	"sqrl-client/go-core/internal/rescue"
	"sqrl-client/go-core/internal/securestore"
)

const (
	methodPassword  = "password"
	methodQuickPass = "quickpass"
	methodWrapped   = "wrapped_key"
	methodRescue    = "rescue_code"
)

// UnlockWithPassword decrypts the master and lock keys. When useQuickPass is
// set and a cached QuickPass exists it is tried first with the password's
// hint-length prefix; any failure there drops the cache and falls back to the
// full KDF. A wrong password returns false without touching current state.
func (m *Manager) UnlockWithPassword(password string, useQuickPass bool, sink crypto.ProgressSink) (bool, error) {
	if m.pw == nil {
		return false, ErrNoPasswordBlock
	}
	sink = progressOrNop(sink)

	if useQuickPass && m.quickPassUsable() {
		ok, err := m.unlockWithQuickPass(password, sink)
		if err == nil && ok {
			m.metrics.RecordUnlock(methodQuickPass, "ok")
			return true, nil
		}
		m.logger.Debug("quickpass unlock failed, using full kdf",
			slog.String("component", "identity"),
			slog.String("operation", "unlock_password"),
			slog.Any("error", err),
		)
		m.metrics.RecordUnlock(methodQuickPass, "failed")
		m.ClearQuickPass()
	}

	sink.State(crypto.StateDecryptingIdentity)
	key, err := m.engine.DeriveIterations([]byte(password), m.pw.salt, m.pw.logN, m.pw.iterations, sink)
	if err != nil {
		return false, err
	}
	ok, err := m.unlockWithPasswordKey(key, sink)
	if err != nil || !ok {
		key.Wipe()
		m.metrics.RecordUnlock(methodPassword, outcome(ok, err))
		return ok, err
	}
	m.metrics.RecordUnlock(methodPassword, "ok")

	m.cacheUnlockShortcuts(password, sink)
	return true, nil
}

// UnlockWithWrappedKey unwraps the password key stored under the key
// wrapper and decrypts with it. A missing wrapper or blob returns false.
func (m *Manager) UnlockWithWrappedKey(sink crypto.ProgressSink) (bool, error) {
	if m.pw == nil {
		return false, ErrNoPasswordBlock
	}
	if m.wrapper == nil || m.store == nil {
		return false, nil
	}
	blob, found, err := m.store.LoadSecret(securestore.WrappedKeyName)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	raw, err := m.wrapper.Unwrap(blob)
	if err != nil {
		m.metrics.RecordUnlock(methodWrapped, "failed")
		if errors.Is(err, securestore.ErrAuthFailed) {
			return false, nil
		}
		return false, err
	}
	key := crypto.SecretFrom(raw)
	crypto.Wipe(raw)

	ok, err := m.unlockWithPasswordKey(key, progressOrNop(sink))
	if err != nil || !ok {
		key.Wipe()
	}
	m.metrics.RecordUnlock(methodWrapped, outcome(ok, err))
	return ok, err
}

// UnlockWithRescueCode recovers the identity unlock key and re-derives the
// master and lock keys from it. Dashes and whitespace in code are ignored.
func (m *Manager) UnlockWithRescueCode(code string, sink crypto.ProgressSink) (bool, error) {
	if m.rescue == nil {
		return false, ErrNoRescueBlock
	}
	sink = progressOrNop(sink)
	sink.State(crypto.StateDecryptingRescue)

	key, err := m.engine.DeriveIterations([]byte(rescue.Normalize(code)), m.rescue.salt, m.rescue.logN, m.rescue.iterations, sink)
	if err != nil {
		return false, err
	}
	defer key.Wipe()

	plain, err := crypto.Open(key.Bytes(), make([]byte, crypto.IVSize), m.rescue.header(), m.rescue.ciphertext, m.rescue.tag)
	if errors.Is(err, crypto.ErrAuthenticationFailed) {
		m.metrics.RecordUnlock(methodRescue, "failed")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	iuk := crypto.SecretFrom(plain)
	crypto.Wipe(plain)

	imk, ilk, err := deriveMasterKeys(iuk)
	if err != nil {
		iuk.Wipe()
		return false, err
	}
	previous := m.openPreviousKeys(imk, sink)

	m.commitSecrets(imk, ilk, previous)
	m.iuk.Wipe()
	m.iuk = iuk
	m.metrics.RecordUnlock(methodRescue, "ok")
	return true, nil
}

// unlockWithPasswordKey opens the password block with key. On success key
// becomes the cached password key.
func (m *Manager) unlockWithPasswordKey(key *crypto.Secret, sink crypto.ProgressSink) (bool, error) {
	plain, err := crypto.Open(key.Bytes(), m.pw.iv, m.pw.header(), m.pw.ciphertext, m.pw.tag)
	if errors.Is(err, crypto.ErrAuthenticationFailed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	imk := crypto.SecretFrom(plain[:crypto.KeySize])
	ilk := crypto.SecretFrom(plain[crypto.KeySize:])
	crypto.Wipe(plain)

	previous := m.openPreviousKeys(imk, sink)
	m.commitSecrets(imk, ilk, previous)
	if m.passwordKey != key {
		m.passwordKey.Wipe()
		m.passwordKey = key
	}
	return true, nil
}

// commitSecrets swaps in freshly decrypted secrets. The unlock key is kept
// only if the new master key still derives from it.
func (m *Manager) commitSecrets(imk, ilk *crypto.Secret, previous []*crypto.Secret) {
	if m.iuk != nil {
		derived := crypto.EnHash(m.iuk.Bytes())
		same := subtle.ConstantTimeCompare(derived, imk.Bytes()) == 1
		crypto.Wipe(derived)
		if !same {
			m.iuk.Wipe()
			m.iuk = nil
		}
	}
	m.imk.Wipe()
	m.ilk.Wipe()
	wipeAll(m.previousKeys)
	m.imk, m.ilk, m.previousKeys = imk, ilk, previous
	if m.selectedGeneration > len(previous) {
		m.selectedGeneration = 1
	}
}

// openPreviousKeys decrypts the previous-keys block. A block that fails to
// authenticate is logged and left sealed rather than blocking the unlock.
func (m *Manager) openPreviousKeys(imk *crypto.Secret, sink crypto.ProgressSink) []*crypto.Secret {
	if m.previous == nil {
		return nil
	}
	sink.State(crypto.StateDecryptingPrevious)
	plain, err := crypto.Open(imk.Bytes(), make([]byte, crypto.IVSize), m.previous.header(), m.previous.ciphertext, m.previous.tag)
	if err != nil {
		m.logger.Warn("previous identity keys did not decrypt",
			slog.String("component", "identity"),
			slog.String("operation", "open_previous"),
			slog.Any("error", err),
		)
		return nil
	}
	defer crypto.Wipe(plain)
	keys := make([]*crypto.Secret, 0, m.previous.count)
	for i := 0; i < int(m.previous.count); i++ {
		keys = append(keys, crypto.SecretFrom(plain[i*crypto.KeySize:(i+1)*crypto.KeySize]))
	}
	return keys
}

func (m *Manager) quickPassUsable() bool {
	return m.quickPass && m.store != nil && m.pw != nil && m.pw.hintLength > 0
}

func (m *Manager) unlockWithQuickPass(password string, sink crypto.ProgressSink) (bool, error) {
	blob, found, err := m.store.LoadSecret(securestore.QuickPassName)
	if err != nil || !found {
		return false, err
	}
	q, err := securestore.ParseQuickPass(blob)
	if err != nil {
		return false, err
	}
	sink.State(crypto.StateDecryptingQuickPass)
	key, err := securestore.OpenQuickPass(m.engine, hintPrefix(password, m.pw.hintLength), m.pw.logN, q, sink)
	if err != nil {
		return false, err
	}
	ok, err := m.unlockWithPasswordKey(key, sink)
	if err != nil || !ok {
		key.Wipe()
		if err == nil {
			err = fmt.Errorf("quickpass key is stale: %w", crypto.ErrAuthenticationFailed)
		}
		return false, err
	}
	return true, nil
}

// cacheUnlockShortcuts refreshes the QuickPass blob and the wrapped key
// after a full-KDF unlock. Failures only cost the shortcut.
func (m *Manager) cacheUnlockShortcuts(password string, sink crypto.ProgressSink) {
	if m.quickPassUsable() {
		sink.State(crypto.StateEncryptingQuickPass)
		q, err := securestore.SealQuickPass(m.engine, m.entropySource(), hintPrefix(password, m.pw.hintLength), m.pw.logN, m.quickPassTime, m.passwordKey.Bytes(), sink)
		if err == nil {
			err = m.store.StoreSecret(securestore.QuickPassName, q.Marshal())
		}
		if err != nil {
			m.logger.Debug("quickpass not cached",
				slog.String("component", "identity"),
				slog.String("operation", "cache_quickpass"),
				slog.Any("error", err),
			)
		}
	}
	if m.wrapper != nil && m.store != nil {
		blob, err := m.wrapper.Wrap(m.passwordKey.Bytes())
		if err == nil {
			err = m.store.StoreSecret(securestore.WrappedKeyName, blob)
		}
		if err != nil {
			m.logger.Debug("wrapped key not cached",
				slog.String("component", "identity"),
				slog.String("operation", "cache_wrapped_key"),
				slog.Any("error", err),
			)
		}
	}
}

// ClearQuickPass removes the cached QuickPass blob.
func (m *Manager) ClearQuickPass() {
	if m.store == nil {
		return
	}
	if err := m.store.DeleteSecret(securestore.QuickPassName); err != nil {
		m.logger.Debug("quickpass not cleared",
			slog.String("component", "identity"),
			slog.String("operation", "clear_quickpass"),
			slog.Any("error", err),
		)
	}
}

// ClearWrappedKey removes the wrapped password key.
func (m *Manager) ClearWrappedKey() error {
	if m.store == nil {
		return nil
	}
	return m.store.DeleteSecret(securestore.WrappedKeyName)
}

// hintPrefix returns the first hint characters of password as UTF-8.
func hintPrefix(password string, hint uint8) []byte {
	r := []rune(password)
	if int(hint) < len(r) {
		r = r[:hint]
	}
	return []byte(string(r))
}

func deriveMasterKeys(iuk *crypto.Secret) (*crypto.Secret, *crypto.Secret, error) {
	imkRaw := crypto.EnHash(iuk.Bytes())
	imk := crypto.SecretFrom(imkRaw)
	crypto.Wipe(imkRaw)
	ilkRaw, err := crypto.ScalarMultBase(iuk.Bytes())
	if err != nil {
		imk.Wipe()
		return nil, nil, err
	}
	ilk := crypto.SecretFrom(ilkRaw)
	crypto.Wipe(ilkRaw)
	return imk, ilk, nil
}

func progressOrNop(sink crypto.ProgressSink) crypto.ProgressSink {
	if sink == nil {
		return crypto.NopProgress{}
	}
	return sink
}

func outcome(ok bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case ok:
		return "ok"
	default:
		return "failed"
	}
}
