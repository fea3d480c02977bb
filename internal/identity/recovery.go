package identity

import (
	"fmt"

	"sqrl-client/go-core/internal/container"
	"sqrl-client/go-core/internal/rescue"
)

// RecoveryText renders every block after the password block in base56 with
// check characters, grouped for printing. The result is cached until the
// container changes.
func (m *Manager) RecoveryText() (string, error) {
	if m.rescue == nil {
		return "", ErrNoRescueBlock
	}
	if m.recoveryText != "" && !m.rescueStale && !m.previousDirty {
		return m.recoveryText, nil
	}
	raw, err := m.SaveWithoutPassword()
	if err != nil {
		return "", err
	}
	m.recoveryText = rescue.Format(rescue.EncodeBase56(raw[container.MagicLen:]))
	return m.recoveryText, nil
}

// ImportRecoveryText loads an identity from printed recovery text. The
// result has no password block; unlock it with the rescue code and seal it
// with EncryptIdentity.
func (m *Manager) ImportRecoveryText(text string) error {
	body, err := rescue.DecodeBase56(text)
	if err != nil {
		return err
	}
	data := append([]byte(container.Magic), body...)
	blocks, err := container.Decode(data)
	if err != nil {
		return err
	}
	hasRescue := false
	for _, b := range blocks {
		if b.Type == BlockTypePassword {
			return fmt.Errorf("%w: recovery text carries a password block", container.ErrParse)
		}
		hasRescue = hasRescue || b.Type == BlockTypeRescue
	}
	if !hasRescue {
		return ErrNoRescueBlock
	}
	return m.Load(data)
}
