package protocol

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrInvalidLink   = errors.New("protocol: invalid sqrl link")
	ErrInvalidDomain = errors.New("protocol: invalid crypt domain")

	linkPattern = regexp.MustCompile(`^s*qrl://([^?/]+)(.*)$`)
)

// Link is a parsed sqrl:// or qrl:// login link.
type Link struct {
	Raw string
	// Scheme is https for sqrl:// and http for qrl://.
	Scheme string
	// Authority is the host part as written, including any userinfo or port.
	Authority string
	// Path is everything after the authority, query included.
	Path string
	// Domain is the byte string the per-site keys are derived from.
	Domain []byte
}

func ParseLink(raw string) (Link, error) {
	raw = strings.TrimSpace(raw)
	match := linkPattern.FindStringSubmatch(raw)
	if match == nil {
		return Link{}, fmt.Errorf("%w: %q", ErrInvalidLink, raw)
	}
	scheme := "http"
	if strings.HasPrefix(raw, "s") {
		scheme = "https"
	}
	domain, err := CryptDomain(match[1], match[2])
	if err != nil {
		return Link{}, err
	}
	return Link{
		Raw:       raw,
		Scheme:    scheme,
		Authority: match[1],
		Path:      match[2],
		Domain:    domain,
	}, nil
}

// CryptDomain lowercases the host with userinfo and port removed, then
// appends the first x characters of the path when the query carries x=N.
func CryptDomain(authority, pathAndQuery string) ([]byte, error) {
	host := authority
	if at := strings.Index(host, "@"); at >= 0 {
		host = host[at+1:]
	}
	if colon := strings.Index(host, ":"); colon >= 0 {
		host = host[:colon]
	}
	if host == "" || strings.ContainsAny(host, "@:") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDomain, authority)
	}
	domain := []byte(strings.ToLower(host))

	path, rawQuery, found := strings.Cut(pathAndQuery, "?")
	if !found {
		return domain, nil
	}
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return domain, nil
	}
	size, err := strconv.Atoi(query.Get("x"))
	if err != nil || size <= 0 {
		return domain, nil
	}
	size = min(size, len(path))
	return append(domain, path[:size]...), nil
}

// WithAlternativeID returns a copy whose domain is suffixed with a zero byte
// and the alphanumeric characters of id. An empty id changes nothing.
func (l Link) WithAlternativeID(id string) Link {
	if id == "" {
		return l
	}
	clean := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, id)
	domain := append([]byte(nil), l.Domain...)
	domain = append(domain, 0)
	l.Domain = append(domain, clean...)
	return l
}

// Host returns the lowercase host without userinfo or port.
func (l Link) Host() string {
	host, _, _ := strings.Cut(string(l.Domain), "/")
	host, _, _ = strings.Cut(host, "\x00")
	return host
}

// URL joins the link's scheme and authority with path.
func (l Link) URL(path string) string {
	return l.Scheme + "://" + l.Authority + path
}
