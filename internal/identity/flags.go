package identity

// OptionFlags is the 16-bit option field of the password block. Bit
// positions are part of the storage format.
type OptionFlags uint16

const (
	FlagCheckForUpdates OptionFlags = 1 << iota
	FlagUpdateAutonomously
	FlagSQRLOnly
	FlagHardLock
	FlagWarnMITM
	FlagDiscardOnBlack
	FlagDiscardOnUserSwitch
	FlagDiscardOnIdle
	FlagNoCPSWarning
)

// DefaultOptionFlags matches newly created identities.
const DefaultOptionFlags OptionFlags = 0x01F3

func (f OptionFlags) Has(flag OptionFlags) bool { return f&flag != 0 }

func (f OptionFlags) With(flag OptionFlags, on bool) OptionFlags {
	if on {
		return f | flag
	}
	return f &^ flag
}

func (f OptionFlags) SQRLOnly() bool { return f.Has(FlagSQRLOnly) }
func (f OptionFlags) HardLock() bool { return f.Has(FlagHardLock) }
