// Package orgsync decides which organization (or the personal workspace)
// a request path should activate.
//
// Patterns use the ":param" placeholder style ("/orgs/:slug",
// "/orgs/:id/(.*)") or chi's native "{param}" style. Organization patterns
// must capture exactly one of "id" or "slug"; personal workspace patterns
// capture nothing. Patterns are compiled into chi routes when the
// [Matcher] is built, so syntax errors surface at startup rather than per
// request.
package orgsync

import (
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// Kind is the kind of activation target.
type Kind int

const (
	// KindOrganization activates an organization by id or slug.
	KindOrganization Kind = iota + 1
	// KindPersonalWorkspace activates the user's personal workspace.
	KindPersonalWorkspace
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindOrganization:
		return "organization"
	case KindPersonalWorkspace:
		return "personal_workspace"
	default:
		return "unknown"
	}
}

// Target is the activation target resolved for a path. For organizations
// exactly one of ID or Slug is set.
type Target struct {
	Kind Kind
	ID   string
	Slug string
}

// Options lists the patterns to match, in priority order.
type Options struct {
	// OrganizationPatterns capture :id or :slug.
	OrganizationPatterns []string `json:"organization_patterns" yaml:"organization_patterns" env:"ORGANIZATION_PATTERNS" envSeparator:","`
	// PersonalAccountPatterns select the personal workspace.
	PersonalAccountPatterns []string `json:"personal_account_patterns" yaml:"personal_account_patterns" env:"PERSONAL_ACCOUNT_PATTERNS" envSeparator:","`
}

// Matcher resolves a path to a [Target]. A nil *Matcher matches nothing.
type Matcher struct {
	orgs     []route
	personal []route
}

type route struct {
	pattern    string
	chiPattern string
	mux        *chi.Mux
	param      string
}

var (
	colonParam = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)
	braceParam = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)(:[^}]*)?\}`)
)

// New compiles opts. It returns nil and no error when no patterns are
// configured.
//
// Error codes returned:
//   - [sserr.CodeValidationFormat]: a pattern is not valid, or an
//     organization pattern does not capture exactly one of id or slug
func New(opts Options) (*Matcher, error) {
	if len(opts.OrganizationPatterns) == 0 && len(opts.PersonalAccountPatterns) == 0 {
		return nil, nil
	}
	m := &Matcher{}
	for _, p := range opts.OrganizationPatterns {
		r, err := compile(p)
		if err != nil {
			return nil, err
		}
		params := paramNames(r.chiPattern)
		hasID, hasSlug := slices.Contains(params, "id"), slices.Contains(params, "slug")
		switch {
		case hasID && hasSlug:
			return nil, sserr.Newf(sserr.CodeValidationFormat,
				"orgsync: organization pattern %q captures both id and slug", p)
		case hasID:
			r.param = "id"
		case hasSlug:
			r.param = "slug"
		default:
			return nil, sserr.Newf(sserr.CodeValidationFormat,
				"orgsync: organization pattern %q must capture :id or :slug", p)
		}
		m.orgs = append(m.orgs, r)
	}
	for _, p := range opts.PersonalAccountPatterns {
		r, err := compile(p)
		if err != nil {
			return nil, err
		}
		m.personal = append(m.personal, r)
	}
	return m, nil
}

// FindTarget returns the target for path, or nil. Organization patterns
// are tried first, in order; the personal workspace is the fallback.
func (m *Matcher) FindTarget(path string) *Target {
	if m == nil {
		return nil
	}
	for _, r := range m.orgs {
		rctx := chi.NewRouteContext()
		if !r.mux.Match(rctx, http.MethodGet, path) {
			continue
		}
		value := rctx.URLParam(r.param)
		if value == "" {
			continue
		}
		if r.param == "id" {
			return &Target{Kind: KindOrganization, ID: value}
		}
		return &Target{Kind: KindOrganization, Slug: value}
	}
	for _, r := range m.personal {
		if r.mux.Match(chi.NewRouteContext(), http.MethodGet, path) {
			return &Target{Kind: KindPersonalWorkspace}
		}
	}
	return nil
}

// compile translates p to chi syntax and registers it on a dedicated mux.
// chi panics on invalid patterns; the panic becomes a validation error.
func compile(p string) (r route, err error) {
	translated, err := translate(p)
	if err != nil {
		return route{}, err
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = sserr.Newf(sserr.CodeValidationFormat, "orgsync: invalid pattern %q: %v", p, rec)
		}
	}()
	mux := chi.NewRouter()
	mux.Get(translated, func(http.ResponseWriter, *http.Request) {})
	return route{pattern: p, chiPattern: translated, mux: mux}, nil
}

// translate rewrites ":name" placeholders to "{name}" and a trailing
// "(.*)" to chi's catch-all "*".
func translate(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", sserr.Newf(sserr.CodeValidationFormat, "orgsync: pattern %q must start with /", p)
	}
	out := p
	if strings.HasSuffix(out, "(.*)") {
		out = strings.TrimSuffix(out, "(.*)") + "*"
	}
	if strings.ContainsAny(out, "()") {
		return "", sserr.Newf(sserr.CodeValidationFormat,
			"orgsync: pattern %q uses an unsupported group; only a trailing (.*) is allowed", p)
	}
	return colonParam.ReplaceAllString(out, "{$1}"), nil
}

// paramNames returns the placeholder names of a chi pattern.
func paramNames(pattern string) []string {
	var names []string
	for _, m := range braceParam.FindAllStringSubmatch(pattern, -1) {
		names = append(names, m[1])
	}
	return names
}

// String implements fmt.Stringer for logging.
func (t *Target) String() string {
	if t == nil {
		return "none"
	}
	switch {
	case t.ID != "":
		return fmt.Sprintf("%s(id=%s)", t.Kind, t.ID)
	case t.Slug != "":
		return fmt.Sprintf("%s(slug=%s)", t.Kind, t.Slug)
	default:
		return t.Kind.String()
	}
}
