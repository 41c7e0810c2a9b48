package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Device REST endpoints, fixed by the sensor firmware.
const (
	TokenPath    = "/restv1/token"
	ReadingsPath = "/restv1/device/wts"

	// AccessTokenHeader carries the token on readings requests.
	AccessTokenHeader = "accessToken"
)

// TokenResponse is the body returned by a successful token request.
type TokenResponse struct {
	Data TokenData `json:"data"`

	raw json.RawMessage
}

// TokenData is the nested token payload
type TokenData struct {
	AccessToken string `json:"accessToken"`
}

// AccessToken returns the token or "" if the device sent none.
func (t *TokenResponse) AccessToken() string {
	if t == nil {
		return ""
	}
	return t.Data.AccessToken
}

// MarshalJSON emits the payload exactly as the device sent it.
func (t TokenResponse) MarshalJSON() ([]byte, error) {
	if len(t.raw) > 0 {
		return t.raw, nil
	}
	type plain TokenResponse
	return json.Marshal(plain(t))
}

// DecodeTokenResponse decodes a token body and keeps the raw bytes.
func DecodeTokenResponse(body []byte) (*TokenResponse, error) {
	var resp TokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}
	resp.raw = append(json.RawMessage(nil), body...)
	return &resp, nil
}

// Reading is one temperature sample as reported by a device. TempVal is
// kept exactly as sent so that one malformed value does not reject the
// rest of the batch.
type Reading struct {
	DevAddr    string          `json:"devAddr"`
	TempVal    json.RawMessage `json:"tempVal"`
	UpdateTime string          `json:"updateTime"`
}

// Temperature returns TempVal as a number. JSON numbers and numeric
// strings qualify; anything else reports false.
func (r Reading) Temperature() (float64, bool) {
	raw := bytes.TrimSpace(r.TempVal)
	if len(raw) == 0 {
		return 0, false
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		s = strings.TrimSpace(s)
	} else {
		s = string(raw)
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ReadingsResponse is the body of GET /restv1/device/wts.
type ReadingsResponse struct {
	Data []Reading `json:"data"`
}

// DecodeReadingsResponse decodes a readings body
func DecodeReadingsResponse(body []byte) (*ReadingsResponse, error) {
	var resp ReadingsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("invalid readings response: %w", err)
	}
	return &resp, nil
}
