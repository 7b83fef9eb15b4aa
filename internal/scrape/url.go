package scrape

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/scrape-relay/internal/hash/sha256"
)

// trackingParams lists query keys that never change page content.
var trackingParams = map[string]struct{}{
	"fbclid":     {},
	"gclid":      {},
	"dclid":      {},
	"msclkid":    {},
	"yclid":      {},
	"igshid":     {},
	"mc_cid":     {},
	"mc_eid":     {},
	"_hsenc":     {},
	"_hsmi":      {},
	"ref":        {},
	"ref_src":    {},
	"source":     {},
	"trk":        {},
	"trackingid": {},
	"lipi":       {},
}

// NormalizeURL standardizes a URL so equivalent forms share one fingerprint.
// It lowercases the scheme and host, removes default ports, drops trailing
// slashes, strips tracking parameters and the fragment, and sorts the query.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = strings.TrimRight(u.RawPath, "/")
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}

	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for key := range q {
		if isTrackingParam(key) {
			q.Del(key)
		}
	}
	// Encode sorts by key.
	u.RawQuery = q.Encode()
	u.ForceQuery = false

	return u.String(), nil
}

func isTrackingParam(key string) bool {
	k := strings.ToLower(key)
	if strings.HasPrefix(k, "utm_") {
		return true
	}
	_, ok := trackingParams[k]
	return ok
}

// Fingerprint derives the dedup/cache key for a canonical URL.
func Fingerprint(canonicalURL string) string {
	return sha256.HexDigest([]byte(canonicalURL))
}

// HostAllowed reports whether the URL's host matches one of the allowed
// domains, either exactly or as a subdomain. An empty allowlist allows all.
func HostAllowed(canonicalURL string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	u, err := url.Parse(canonicalURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, domain := range allowed {
		d := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "."))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
