package upstream

import (
	"sort"
	"strings"
	"sync"
)

// cookieAttrs are Set-Cookie attribute names that must not be absorbed as
// cookies.
var cookieAttrs = map[string]bool{
	"path": true, "domain": true, "expires": true, "max-age": true,
	"secure": true, "httponly": true, "samesite": true, "priority": true,
	"partitioned": true,
}

// transientCookies are scrubbed before every interactive login flow.
var transientCookies = []string{
	"twitter_ads_id", "ads_prefs", "_twitter_sess", "zipbox_forms_auth_token",
	"lang", "bouncer_reset_cookie", "twid", "twitter_ads_idb", "email_uid",
	"external_referer", "ct0", "aa_u", "att", "kdt", "remember_checked_on",
}

// Jar is a per-session cookie store. The upstream lives on a single cookie
// domain for our purposes, so cookies are keyed by name; serialization is
// deterministic (sorted) for stable request fingerprints.
type Jar struct {
	mu      sync.Mutex
	cookies map[string]string
}

// NewJar returns an empty jar.
func NewJar() *Jar {
	return &Jar{cookies: make(map[string]string)}
}

// Set stores a cookie value. Empty values delete the cookie.
func (j *Jar) Set(name, value string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if value == "" {
		delete(j.cookies, name)
		return
	}
	j.cookies[name] = value
}

// Get returns a cookie value or "".
func (j *Jar) Get(name string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cookies[name]
}

// Absorb parses a Set-Cookie response header (possibly several values
// collapsed into one string) into the jar, skipping attribute tokens and
// explicit deletions.
func (j *Jar) Absorb(setCookie string) {
	if setCookie == "" {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, chunk := range strings.Split(setCookie, ",") {
		for _, part := range strings.Split(chunk, ";") {
			part = strings.TrimSpace(part)
			eq := strings.IndexByte(part, '=')
			if eq <= 0 {
				continue
			}
			name := part[:eq]
			value := part[eq+1:]
			if cookieAttrs[strings.ToLower(name)] {
				continue
			}
			if strings.ContainsAny(name, " \t") {
				continue
			}
			value = strings.Trim(value, `"`)
			if value == "" {
				delete(j.cookies, name)
				continue
			}
			j.cookies[name] = value
		}
	}
}

// Header serializes the jar into a Cookie request header value.
func (j *Jar) Header() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	names := make([]string, 0, len(j.cookies))
	for name := range j.cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(j.cookies[name])
	}
	return b.String()
}

// Scrub removes the named cookies.
func (j *Jar) Scrub(names []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, name := range names {
		delete(j.cookies, name)
	}
}

// Len returns the number of stored cookies.
func (j *Jar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.cookies)
}
