package credpool

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// defaultProviderDenylist blocks official first-party AI provider domains.
// Contributed credentials must point at relay or reseller endpoints; sharing
// a first-party key would expose the contributor's account directly.
var defaultProviderDenylist = []string{
	"openai.com",
	"openai.azure.com",
	"anthropic.com",
	"claude.ai",
	"generativelanguage.googleapis.com",
	"aiplatform.googleapis.com",
	"gemini.google.com",
	"bedrock.amazonaws.com",
	"mistral.ai",
	"cohere.com",
	"x.ai",
	"deepseek.com",
	"moonshot.cn",
	"dashscope.aliyuncs.com",
}

// defaultRestrictedDenylist blocks sensitive-institution domains outright.
var defaultRestrictedDenylist = []string{
	"gov",
	"mil",
	"edu",
	"gov.cn",
	"gov.uk",
	"edu.cn",
	"ac.uk",
	"bank",
}

// URLChecker validates credential endpoint URLs against the registration
// security policy: HTTP(S) only, no loopback or private-network hosts, and
// two domain denylists matched exactly or by subdomain.
type URLChecker struct {
	providerDenylist   []string
	restrictedDenylist []string

	// allowPrivate disables the loopback and private-network host checks.
	// Development only.
	allowPrivate bool
}

// NewURLChecker returns a checker with the default denylists.
func NewURLChecker() *URLChecker {
	return &URLChecker{
		providerDenylist:   defaultProviderDenylist,
		restrictedDenylist: defaultRestrictedDenylist,
	}
}

// NewURLCheckerWithDenylists returns a checker with caller-supplied lists.
func NewURLCheckerWithDenylists(providers, restricted []string) *URLChecker {
	return &URLChecker{
		providerDenylist:   providers,
		restrictedDenylist: restricted,
	}
}

// NewInsecureURLChecker returns a checker that accepts loopback and
// private-network hosts. Intended for local development against stub
// endpoints, never for production pools.
func NewInsecureURLChecker() *URLChecker {
	return &URLChecker{
		providerDenylist:   defaultProviderDenylist,
		restrictedDenylist: defaultRestrictedDenylist,
		allowPrivate:       true,
	}
}

// Validate returns nil for an acceptable endpoint URL, an error wrapping
// ErrURLInvalid for malformed input, or a *URLBlockedError for policy hits.
// Callers log a security event only for the blocked case.
func (c *URLChecker) Validate(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty url", ErrURLInvalid)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrURLInvalid, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", ErrURLInvalid, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrURLInvalid)
	}

	if ip := net.ParseIP(host); ip != nil {
		if !c.allowPrivate && isNonPublicIP(ip) {
			return &URLBlockedError{Host: host, Rule: "private or loopback address"}
		}
	} else if !c.allowPrivate && isInternalHostname(host) {
		return &URLBlockedError{Host: host, Rule: "internal hostname"}
	}

	for _, domain := range c.providerDenylist {
		if matchesDomain(host, domain) {
			return &URLBlockedError{Host: host, Rule: "official provider domain"}
		}
	}
	for _, domain := range c.restrictedDenylist {
		if matchesDomain(host, domain) {
			return &URLBlockedError{Host: host, Rule: "restricted institution domain"}
		}
	}

	return nil
}

// matchesDomain reports whether host equals domain or is a subdomain of it.
func matchesDomain(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func isNonPublicIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

func isInternalHostname(host string) bool {
	if host == "localhost" {
		return true
	}
	for _, suffix := range []string{".localhost", ".local", ".internal", ".lan"} {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
