package session

import "time"

// SameSite mirrors the cookie SameSite attribute.
type SameSite string

// SameSite values.
const (
	SameSiteStrict SameSite = "strict"
	SameSiteLax    SameSite = "lax"
	SameSiteNone   SameSite = "none"
)

// Cookie is one entry in a session's jar. Cookies are unique by
// (name, domain, path); storing an existing key replaces the cookie.
type Cookie struct {
	Name      string     `json:"name"`
	Value     string     `json:"value"`
	Domain    string     `json:"domain"`
	Path      string     `json:"path"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Secure    bool       `json:"secure"`
	HTTPOnly  bool       `json:"http_only"`
	SameSite  SameSite   `json:"same_site,omitempty"`
}

// Expired reports whether the cookie's expiry has passed. Cookies without an
// expiry never expire.
func (c Cookie) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

type cookieKey struct {
	name   string
	domain string
	path   string
}

func (c Cookie) key() cookieKey {
	return cookieKey{name: c.Name, domain: c.Domain, path: c.Path}
}

// mergeCookies folds incoming cookies into the jar: same-key cookies are
// replaced, already-expired incoming cookies are dropped, and expired jar
// entries are filtered out on the way. Later incoming duplicates win.
func mergeCookies(jar, incoming []Cookie, now time.Time) []Cookie {
	merged := make([]Cookie, 0, len(jar)+len(incoming))
	idx := make(map[cookieKey]int, len(jar))
	for _, c := range jar {
		if c.Expired(now) {
			continue
		}
		idx[c.key()] = len(merged)
		merged = append(merged, c)
	}
	for _, c := range incoming {
		if c.Expired(now) {
			continue
		}
		if i, ok := idx[c.key()]; ok {
			merged[i] = c
			continue
		}
		idx[c.key()] = len(merged)
		merged = append(merged, c)
	}
	return merged
}

// liveCookies returns the non-expired subset of the jar as a copy.
func liveCookies(jar []Cookie, now time.Time) []Cookie {
	live := make([]Cookie, 0, len(jar))
	for _, c := range jar {
		if !c.Expired(now) {
			live = append(live, c)
		}
	}
	return live
}
