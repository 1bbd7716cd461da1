package engine

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// whitelisted reports whether the page at rawURL is covered by an entry of
// sites. An entry covers its own host and every subdomain of it, except
// that a bare public suffix ("co.uk", "com") never covers subdomains.
func whitelisted(rawURL string, sites []string) bool {
	if len(sites) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return false
	}

	for _, site := range sites {
		site = siteHost(site)
		if site == "" {
			continue
		}
		if host == site {
			return true
		}
		if _, err := publicsuffix.EffectiveTLDPlusOne(site); err != nil {
			continue
		}
		if strings.HasSuffix(host, "."+site) {
			return true
		}
	}
	return false
}

// siteHost reduces a whitelist entry ("https://www.Example.com/path",
// "*.example.com", "example.com:8080") to a bare host.
func siteHost(site string) string {
	site = strings.ToLower(strings.TrimSpace(site))
	if strings.Contains(site, "://") {
		u, err := url.Parse(site)
		if err != nil {
			return ""
		}
		site = u.Hostname()
	}
	if i := strings.IndexAny(site, "/:"); i >= 0 {
		site = site[:i]
	}
	site = strings.TrimPrefix(site, "*.")
	site = strings.TrimPrefix(site, "www.")
	return strings.TrimSuffix(site, ".")
}
