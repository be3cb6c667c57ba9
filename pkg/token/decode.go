// Package token decodes and verifies compact session tokens and classifies
// and verifies machine tokens.
//
// Session token verification runs a fixed pipeline:
//
//	Decode -> HeaderCheck -> ClaimCheck -> SignatureCheck -> Accept
//
// Each stage either passes the token on or rejects it with an
// [sserr.Error] whose code identifies the failure; no stage partially
// applies. Signing keys come from a [jwks.Store].
//
// Machine tokens (API keys, machine-to-machine tokens and OAuth access
// tokens) never go through the local pipeline. [Classify] recognizes them
// and [MachineVerifier] confirms them with a single remote authority call.
package token

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// parser decodes compact tokens. Padded and unpadded segments are both
// accepted.
var parser = jwt.NewParser(jwt.WithPaddingAllowed())

// Header is the decoded JOSE header.
type Header struct {
	Alg string
	Typ string
	Kid string
}

// Segments holds the three raw base64url segments of a compact token.
type Segments struct {
	Header    string
	Payload   string
	Signature string
}

// SigningInput returns the bytes covered by the signature.
func (s Segments) SigningInput() string {
	return s.Header + "." + s.Payload
}

// Decoded is a structurally valid token. It carries no verification
// guarantee by itself.
type Decoded struct {
	Header    Header
	Claims    *Claims
	Signature []byte
	Raw       Segments
}

// Decode parses a compact token without verifying it. Exactly three
// non-empty segments are required.
//
// An alg that the JWT library does not know is not a structural error;
// the header check rejects it later with its own code.
//
// Error codes returned:
//   - [sserr.CodeAuthenticationInvalid]: malformed token
func Decode(raw string) (*Decoded, error) {
	claims := &Claims{}
	tok, parts, err := parser.ParseUnverified(raw, claims)
	if err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return nil, sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "token: malformed token")
	}
	for _, p := range parts {
		if p == "" {
			return nil, sserr.New(sserr.CodeAuthenticationInvalid, "token: malformed token: empty segment")
		}
	}

	return &Decoded{
		Header: Header{
			Alg: headerString(tok.Header, "alg"),
			Typ: headerString(tok.Header, "typ"),
			Kid: headerString(tok.Header, "kid"),
		},
		Claims:    claims,
		Signature: tok.Signature,
		Raw:       Segments{Header: parts[0], Payload: parts[1], Signature: parts[2]},
	}, nil
}

func headerString(h map[string]any, key string) string {
	s, _ := h[key].(string)
	return s
}
