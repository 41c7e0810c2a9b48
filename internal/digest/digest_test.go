package digest

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestParseChallenge(t *testing.T) {
	ch := ParseChallenge(`Digest realm="R", nonce="N", qop="auth", opaque="O"`)

	assert.Equal(t, "R", ch.Realm)
	assert.Equal(t, "N", ch.Nonce)
	assert.Equal(t, "auth", ch.Qop)
	assert.Equal(t, "O", ch.Opaque)
	assert.Equal(t, "MD5", ch.Algorithm)
	assert.True(t, ch.Usable())
}

func TestParseChallenge_Defaults(t *testing.T) {
	ch := ParseChallenge(`Digest realm="device", nonce="abc123"`)

	assert.Equal(t, "auth", ch.Qop)
	assert.Empty(t, ch.Opaque)
	assert.True(t, ch.Usable())
}

func TestParseChallenge_QopList(t *testing.T) {
	ch := ParseChallenge(`Digest realm="R", nonce="N", qop="auth-int,auth"`)
	assert.Equal(t, "auth", ch.Qop)
}

func TestParseChallenge_Missing(t *testing.T) {
	tests := []string{
		``,
		`Basic realm="R"`,
		`Digest nonce="N"`,
		`Digest realm="R"`,
	}

	for _, header := range tests {
		ch := ParseChallenge(header)
		assert.False(t, ch.Usable(), "header %q should not be usable", header)
	}
}

func TestBuildAuthorizationWithCNonce_Response(t *testing.T) {
	ch := Challenge{Realm: "R", Nonce: "N", Qop: "auth", Opaque: "O"}

	header, err := BuildAuthorizationWithCNonce("admin", "secret", ch, "POST", "/restv1/token", "0123456789abcdef")
	require.NoError(t, err)

	ha1 := md5hex("admin:R:secret")
	ha2 := md5hex("POST:/restv1/token")
	want := md5hex(ha1 + ":N:00000001:0123456789abcdef:auth:" + ha2)

	params, ok := ParseAuthorization(header)
	require.True(t, ok)
	assert.Equal(t, want, params["response"])
	assert.Equal(t, "admin", params["username"])
	assert.Equal(t, "R", params["realm"])
	assert.Equal(t, "N", params["nonce"])
	assert.Equal(t, "/restv1/token", params["uri"])
	assert.Equal(t, "auth", params["qop"])
	assert.Equal(t, "00000001", params["nc"])
	assert.Equal(t, "0123456789abcdef", params["cnonce"])
	assert.Equal(t, "O", params["opaque"])
	assert.Equal(t, "MD5", params["algorithm"])
}

func TestBuildAuthorizationWithCNonce_Deterministic(t *testing.T) {
	ch := Challenge{Realm: "R", Nonce: "N", Qop: "auth"}

	a, err := BuildAuthorizationWithCNonce("u", "p", ch, "GET", "/restv1/device/wts", "c1")
	require.NoError(t, err)
	b, err := BuildAuthorizationWithCNonce("u", "p", ch, "GET", "/restv1/device/wts", "c1")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotContains(t, a, "opaque")
}

func TestBuildAuthorization_FreshCNonce(t *testing.T) {
	ch := Challenge{Realm: "R", Nonce: "N", Qop: "auth"}

	a, err := BuildAuthorization("u", "p", ch, "GET", "/x")
	require.NoError(t, err)
	b, err := BuildAuthorization("u", "p", ch, "GET", "/x")
	require.NoError(t, err)

	pa, _ := ParseAuthorization(a)
	pb, _ := ParseAuthorization(b)
	assert.Len(t, pa["cnonce"], 32)
	assert.NotEqual(t, pa["cnonce"], pb["cnonce"])
}

func TestBuildAuthorization_Errors(t *testing.T) {
	_, err := BuildAuthorization("u", "p", Challenge{Realm: "R"}, "GET", "/x")
	assert.True(t, errors.Is(err, ErrUnusableChallenge))

	_, err = BuildAuthorization("u", "p", Challenge{Realm: "R", Nonce: "N", Algorithm: "SHA-256"}, "GET", "/x")
	assert.True(t, errors.Is(err, ErrUnsupportedAlgorithm))
}

func TestParseAuthorization(t *testing.T) {
	_, ok := ParseAuthorization(`Basic YWRtaW46YWRtaW4=`)
	assert.False(t, ok)

	params, ok := ParseAuthorization(`Digest username="a", qop=auth, nc=00000001`)
	require.True(t, ok)
	assert.Equal(t, "a", params["username"])
	assert.Equal(t, "auth", params["qop"])
	assert.Equal(t, "00000001", params["nc"])
}

func TestNewCNonce(t *testing.T) {
	c, err := NewCNonce()
	require.NoError(t, err)
	assert.Len(t, c, 32)
	assert.Equal(t, strings.ToLower(c), c)
}
