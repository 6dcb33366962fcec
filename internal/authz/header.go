package authz

import (
	"html"
	"net/http"
	"strings"
)

// ParseAuthorization splits a structured credential header of the form
//
//	MediaBrowser Client="Web", Device="Firefox", DeviceId="abc", Version="1.0", Token="..."
//
// into its key/value pairs. Keys are lower-cased; values lose their quotes
// and are HTML-escaped. It returns nil when the header is empty or its
// scheme is not in schemes, so an unrecognised block reads as absent.
// Repeated keys keep their first value.
func ParseAuthorization(header string, schemes []string) map[string]string {
	if header == "" {
		return nil
	}
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok {
		return nil
	}
	if !containsFold(schemes, scheme) {
		return nil
	}

	out := make(map[string]string)
	for _, item := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok {
			continue
		}
		k = strings.ToLower(k)
		if _, dup := out[k]; dup {
			continue
		}
		out[k] = normalizeValue(strings.Trim(v, `"`))
	}
	return out
}

func normalizeValue(v string) string {
	if v == "" {
		return v
	}
	return html.EscapeString(v)
}

// credentials is what extraction found on a request, before any lookup.
type credentials struct {
	Client       string
	Device       string
	DeviceID     string
	Version      string
	Token        string
	AccountToken string
}

// extract reads the structured header, falling back through the legacy
// token headers and the query-string key. It never fails.
func (r *Resolver) extract(req *http.Request) credentials {
	var block map[string]string
	for _, name := range r.cfg.AuthHeaders {
		if v := req.Header.Get(name); v != "" {
			block = ParseAuthorization(v, r.cfg.Schemes)
			break
		}
	}

	c := credentials{
		Client:       block["client"],
		Device:       block["device"],
		DeviceID:     block["deviceid"],
		Version:      block["version"],
		Token:        block["token"],
		AccountToken: block["accounttoken"],
	}
	for _, name := range r.cfg.TokenHeaders {
		if c.Token != "" {
			break
		}
		c.Token = req.Header.Get(name)
	}
	if c.Token == "" && r.cfg.TokenQueryParam != "" {
		c.Token = req.URL.Query().Get(r.cfg.TokenQueryParam)
	}
	return c
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func containsAnyFold(s string, patterns []string) bool {
	ls := strings.ToLower(s)
	for _, p := range patterns {
		if p != "" && strings.Contains(ls, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
