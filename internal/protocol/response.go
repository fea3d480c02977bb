package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Response is a decoded server reply: key=value lines in arrival order.
type Response struct {
	// Text is the decoded body. It is echoed back as the next request's
	// server parameter.
	Text   string
	keys   []string
	values map[string]string
}

// ParseResponse base64url-decodes body and splits it into CRLF lines, each
// split once on the first '='. Lines without '=' are skipped.
func ParseResponse(body []byte) (*Response, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(string(body)), "=")
	decoded, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: response body is not base64url: %v", ErrProtocol, err)
	}
	r := &Response{Text: string(decoded), values: make(map[string]string)}
	for _, line := range strings.Split(r.Text, "\r\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		if _, seen := r.values[key]; !seen {
			r.keys = append(r.keys, key)
		}
		r.values[key] = value
	}
	return r, nil
}

func (r *Response) Get(key string) (string, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Keys lists the keys in the order they first appeared.
func (r *Response) Keys() []string {
	return append([]string(nil), r.keys...)
}

// TIF returns the parsed status field; ok is false when it is missing.
func (r *Response) TIF() (TIF, bool, error) {
	raw, ok := r.values["tif"]
	if !ok {
		return 0, false, nil
	}
	t, err := ParseTIF(raw)
	if err != nil {
		return 0, true, err
	}
	return t, true, nil
}

func (r *Response) tif() TIF {
	t, _, _ := r.TIF()
	return t
}

func (r *Response) IsIdentityKnown(disabled bool) bool { return r.tif().IsIdentityKnown(disabled) }
func (r *Response) IsSuperseded() bool                 { return r.tif().IsSuperseded() }
func (r *Response) IsRecoverable() bool                { return r.tif().IsRecoverable() }
func (r *Response) IsFatal(ipPinning bool) bool        { return r.tif().IsFatal(ipPinning) }

// QueryLink is the path the next request must be posted to.
func (r *Response) QueryLink() string {
	return r.values["qry"]
}

// Nut returns the server's one-time nonce.
func (r *Response) Nut() string {
	return r.values["nut"]
}

// SecretIndexRequest returns the sin value the server asked for. An empty
// value is still a request.
func (r *Response) SecretIndexRequest() (string, bool) {
	v, ok := r.values["sin"]
	return v, ok
}

// ServerUnlockKey decodes the suk field when present and non-empty.
func (r *Response) ServerUnlockKey() ([]byte, bool) {
	v, ok := r.values["suk"]
	if !ok || v == "" {
		return nil, false
	}
	suk, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(v, "="))
	if err != nil {
		return nil, false
	}
	return suk, true
}

// CPSURL is the client-provided-session redirect, if any.
func (r *Response) CPSURL() (string, bool) {
	v, ok := r.values["url"]
	return v, ok && v != ""
}

// AskButton is one answer offered by an ask prompt.
type AskButton struct {
	Label string
	URL   string
}

// Ask is a server question shown to the user before the next command.
type Ask struct {
	Message string
	Buttons []AskButton
}

// Ask parses ask=message~label;url~label;url. Each text part is base64url
// and falls back to its raw form when it does not decode.
func (r *Response) Ask() (Ask, bool) {
	v, ok := r.values["ask"]
	if !ok || v == "" {
		return Ask{}, false
	}
	parts := strings.Split(v, "~")
	ask := Ask{Message: decodeAskText(parts[0])}
	for _, part := range parts[1:] {
		label, link, _ := strings.Cut(part, ";")
		ask.Buttons = append(ask.Buttons, AskButton{Label: decodeAskText(label), URL: link})
	}
	return ask, true
}

func decodeAskText(s string) string {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return s
	}
	return string(decoded)
}
