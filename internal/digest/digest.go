// Package digest implements the RFC 2617 Digest challenge/response used by
// the sensor firmware. Only MD5 is supported because that is what the
// devices speak.
package digest

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// NonceCount is fixed: every Authorization header is built against a
// freshly fetched nonce, so the count never advances.
const NonceCount = "00000001"

const (
	DefaultQop       = "auth"
	DefaultAlgorithm = "MD5"
)

var (
	realmPattern     = regexp.MustCompile(`realm="([^"]+)"`)
	noncePattern     = regexp.MustCompile(`nonce="([^"]+)"`)
	qopPattern       = regexp.MustCompile(`qop="?([^",]+(?:,\s*[^",]+)*)"?`)
	opaquePattern    = regexp.MustCompile(`opaque="([^"]+)"`)
	algorithmPattern = regexp.MustCompile(`algorithm="?([A-Za-z0-9-]+)"?`)

	paramPattern = regexp.MustCompile(`(\w+)=(?:"([^"]*)"|([^,\s]*))`)
)

// Challenge is the parsed content of a WWW-Authenticate: Digest header.
type Challenge struct {
	Realm     string
	Nonce     string
	Qop       string
	Opaque    string
	Algorithm string
}

// Usable reports whether the challenge carries enough to answer it.
func (c Challenge) Usable() bool {
	return c.Realm != "" && c.Nonce != ""
}

// ParseChallenge extracts the Digest parameters from a header value.
// Missing fields are left empty; qop and algorithm fall back to their
// defaults.
func ParseChallenge(header string) Challenge {
	ch := Challenge{
		Realm:     firstMatch(realmPattern, header),
		Nonce:     firstMatch(noncePattern, header),
		Qop:       selectQop(firstMatch(qopPattern, header)),
		Opaque:    firstMatch(opaquePattern, header),
		Algorithm: firstMatch(algorithmPattern, header),
	}
	if ch.Algorithm == "" {
		ch.Algorithm = DefaultAlgorithm
	}
	return ch
}

func firstMatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

// selectQop picks "auth" out of a qop list such as "auth,auth-int".
func selectQop(raw string) string {
	if raw == "" {
		return DefaultQop
	}
	options := strings.Split(raw, ",")
	for _, opt := range options {
		if strings.TrimSpace(opt) == DefaultQop {
			return DefaultQop
		}
	}
	return strings.TrimSpace(options[0])
}

// BuildAuthorization answers a challenge with a fresh client nonce.
func BuildAuthorization(username, password string, ch Challenge, method, uri string) (string, error) {
	cnonce, err := NewCNonce()
	if err != nil {
		return "", err
	}
	return BuildAuthorizationWithCNonce(username, password, ch, method, uri, cnonce)
}

// BuildAuthorizationWithCNonce is BuildAuthorization with a caller-chosen cnonce.
func BuildAuthorizationWithCNonce(username, password string, ch Challenge, method, uri, cnonce string) (string, error) {
	if !ch.Usable() {
		return "", ErrUnusableChallenge
	}
	if ch.Algorithm != "" && !strings.EqualFold(ch.Algorithm, DefaultAlgorithm) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, ch.Algorithm)
	}

	qop := ch.Qop
	if qop == "" {
		qop = DefaultQop
	}

	response := Response(username, password, ch.Realm, ch.Nonce, NonceCount, cnonce, qop, method, uri)

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s", qop=%s, nc=%s, cnonce="%s"`,
		username, ch.Realm, ch.Nonce, uri, response, qop, NonceCount, cnonce)
	if ch.Opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, ch.Opaque)
	}
	b.WriteString(", algorithm=" + DefaultAlgorithm)

	return b.String(), nil
}

// Response computes MD5(HA1:nonce:nc:cnonce:qop:HA2).
func Response(username, password, realm, nonce, nc, cnonce, qop, method, uri string) string {
	ha1 := hash(username + ":" + realm + ":" + password)
	ha2 := hash(method + ":" + uri)
	return hash(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
}

// NewCNonce returns 16 random bytes hex encoded.
func NewCNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate cnonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ParseAuthorization splits an Authorization: Digest header into its parameters.
func ParseAuthorization(header string) (map[string]string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(header), "Digest ")
	if !ok {
		return nil, false
	}

	params := make(map[string]string)
	for _, m := range paramPattern.FindAllStringSubmatch(rest, -1) {
		if m[2] != "" {
			params[m[1]] = m[2]
		} else {
			params[m[1]] = m[3]
		}
	}
	return params, true
}

func hash(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

var (
	ErrUnusableChallenge    = &Error{"challenge is missing realm or nonce"}
	ErrUnsupportedAlgorithm = &Error{"unsupported digest algorithm"}
)

// Error represents a digest error
type Error struct {
	msg string
}

func (e *Error) Error() string {
	return e.msg
}
