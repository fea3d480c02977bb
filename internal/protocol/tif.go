package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// TIF is the transaction information flags field returned by the server.
type TIF uint16

const (
	TIFCurrentIDMatch TIF = 1 << iota
	TIFPreviousIDMatch
	TIFIPMatched
	TIFSQRLDisabled
	TIFFunctionNotSupported
	TIFTransientError
	TIFCommandFailed
	TIFClientFailure
	TIFBadIDAssociation
	TIFIdentitySuperseded
)

var tifNames = []string{
	"current_id_match",
	"previous_id_match",
	"ip_matched",
	"sqrl_disabled",
	"function_not_supported",
	"transient_error",
	"command_failed",
	"client_failure",
	"bad_id_association",
	"identity_superseded",
}

// ParseTIF reads the hexadecimal tif value.
func ParseTIF(s string) (TIF, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: tif %q", ErrProtocol, s)
	}
	return TIF(v), nil
}

func (t TIF) Has(flag TIF) bool { return t&flag != 0 }

// IsIdentityKnown reports a current or previous id match whose disabled
// state equals disabled.
func (t TIF) IsIdentityKnown(disabled bool) bool {
	return t.Has(TIFCurrentIDMatch|TIFPreviousIDMatch) && t.Has(TIFSQRLDisabled) == disabled
}

func (t TIF) IsSuperseded() bool {
	return t.Has(TIFCommandFailed) && t.Has(TIFIdentitySuperseded)
}

func (t TIF) IsRecoverable() bool {
	return t.Has(TIFFunctionNotSupported | TIFTransientError)
}

// IsFatal reports a failed command, a client failure or a bad id
// association. With ipPinning, a missing ip match is fatal as well.
func (t TIF) IsFatal(ipPinning bool) bool {
	if t.Has(TIFCommandFailed | TIFClientFailure | TIFBadIDAssociation) {
		return true
	}
	return ipPinning && !t.Has(TIFIPMatched)
}

func (t TIF) String() string {
	var set []string
	for i, name := range tifNames {
		if t&(1<<i) != 0 {
			set = append(set, name)
		}
	}
	return fmt.Sprintf("%x[%s]", uint16(t), strings.Join(set, ","))
}
