// Package fixtures provides shared test data constants for the authgate
// test suite.
//
// Using common constants for keys, hosts and identities prevents magic
// strings in tests and keeps packages consistent with each other.
package fixtures

// Instance identifiers. The publishable keys decode to FrontendAPI and
// PrimaryFrontendAPI respectively.
const (
	// FrontendAPI is the frontend API host encoded in PublishableKey.
	FrontendAPI = "happy-hippo-1.clerk.accounts.dev"

	// PublishableKey is a development publishable key for FrontendAPI.
	PublishableKey = "pk_test_aGFwcHktaGlwcG8tMS5jbGVyay5hY2NvdW50cy5kZXYk"

	// PublishableKeySuffix is the last underscore-delimited segment of
	// PublishableKey, used for suffixed cookie names.
	PublishableKeySuffix = "aGFwcHktaGlwcG8tMS5jbGVyay5hY2NvdW50cy5kZXYk"

	// LivePublishableKey is a production publishable key for
	// PrimaryFrontendAPI.
	LivePublishableKey = "pk_live_Y2xlcmsucHJpbWFyeS50ZXN0JA"

	// PrimaryFrontendAPI is the frontend API host encoded in
	// LivePublishableKey.
	PrimaryFrontendAPI = "clerk.primary.test"
)

// Standard identity values used in token tests.
const (
	// TestSubject is the default subject claim.
	TestSubject = "user_2abc123"

	// TestKeyID is the default signing key id.
	TestKeyID = "ins_2abc"

	// AltKeyID is a second key id for rotation tests.
	AltKeyID = "ins_2def"

	// TestAudience is an audience value for claim tests.
	TestAudience = "authgate-api"

	// TestAuthorizedParty is an azp value for claim tests.
	TestAuthorizedParty = "https://app.example.test"

	// TestOrgID is an organization id.
	TestOrgID = "org_2xyz"

	// TestOrgSlug is an organization slug.
	TestOrgSlug = "acme"
)

// Standard configuration values used in config loader tests.
const (
	// TestEnvPrefix is the default environment variable prefix for config tests.
	TestEnvPrefix = "TESTGATE"

	// TestConfigYAML is a minimal valid YAML configuration for tests.
	TestConfigYAML = `publishable_key: pk_test_aGFwcHktaGlwcG8tMS5jbGVyay5hY2NvdW50cy5kZXYk
clock_skew: 5s
audience:
  - authgate-api
`

	// TestConfigJSON is a minimal valid JSON configuration for tests.
	TestConfigJSON = `{
  "publishable_key": "pk_test_aGFwcHktaGlwcG8tMS5jbGVyay5hY2NvdW50cy5kZXYk",
  "clock_skew": 5000000000,
  "audience": ["authgate-api"]
}`
)
