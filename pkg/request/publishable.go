package request

import (
	"encoding/base64"
	"strings"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// InstanceType distinguishes development from production instances.
type InstanceType int

const (
	Production InstanceType = iota
	Development
)

// String returns the instance type name.
func (t InstanceType) String() string {
	if t == Development {
		return "development"
	}
	return "production"
}

const (
	testKeyPrefix = "pk_test_"
	liveKeyPrefix = "pk_live_"
)

// PublishableKey is a parsed publishable key.
type PublishableKey struct {
	Raw          string
	InstanceType InstanceType
	// FrontendAPI is the host of the instance's frontend API.
	FrontendAPI string
}

// ParsePublishableKey parses a "pk_test_" or "pk_live_" key whose body is
// the base64 encoding of "<frontend-api-host>$".
//
// Error codes returned:
//   - [sserr.CodeValidationRequired]: key is empty
//   - [sserr.CodeValidationFormat]: key is malformed
func ParsePublishableKey(key string) (PublishableKey, error) {
	if key == "" {
		return PublishableKey{}, sserr.New(sserr.CodeValidationRequired,
			"request: publishable key is missing; set AUTHGATE_PUBLISHABLE_KEY")
	}

	var (
		body string
		typ  InstanceType
	)
	switch {
	case strings.HasPrefix(key, testKeyPrefix):
		body, typ = strings.TrimPrefix(key, testKeyPrefix), Development
	case strings.HasPrefix(key, liveKeyPrefix):
		body, typ = strings.TrimPrefix(key, liveKeyPrefix), Production
	default:
		return PublishableKey{}, invalidKey(key)
	}

	decoded, err := base64.StdEncoding.DecodeString(padBase64(body))
	if err != nil {
		return PublishableKey{}, invalidKey(key)
	}
	host, ok := strings.CutSuffix(string(decoded), "$")
	if !ok || host == "" || strings.ContainsAny(host, "$/ ") {
		return PublishableKey{}, invalidKey(key)
	}
	return PublishableKey{Raw: key, InstanceType: typ, FrontendAPI: host}, nil
}

// Suffix returns the last underscore-delimited segment of the key, used to
// name suffixed cookies.
func (k PublishableKey) Suffix() string {
	if i := strings.LastIndex(k.Raw, "_"); i >= 0 {
		return k.Raw[i+1:]
	}
	return k.Raw
}

// IsDevelopment reports whether the key belongs to a development instance.
func (k PublishableKey) IsDevelopment() bool {
	return k.InstanceType == Development
}

func padBase64(s string) string {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return s
}

func invalidKey(key string) *sserr.Error {
	return sserr.Newf(sserr.CodeValidationFormat,
		"request: publishable key %q is not valid; copy it from the API keys page of your dashboard", key)
}
