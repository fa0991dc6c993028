package config

import (
	"net/url"
	"strconv"
	"strings"
)

// NormalizeOrigin validates a browser Origin header and returns the canonical
// scheme://host[:port] form plus the host[:port] part used for same-host
// comparisons. Default ports are dropped. "null" is accepted as-is.
func NormalizeOrigin(raw string) (origin string, host string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// OriginAllowed reports whether a normalized origin may talk to requestHost.
//
// A non-empty allow list is matched exactly ("*" matches everything).
// Otherwise only same-host requests pass. Scheme is ignored for the same-host
// check since TLS is commonly terminated in front of the SFU.
func OriginAllowed(normalizedOrigin, originHost, requestHost string, allowed []string) bool {
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == normalizedOrigin {
				return true
			}
		}
		return false
	}

	var scheme string
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		return false
	}

	reqHost, ok := canonicalAuthority(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

func canonicalAuthority(authority, scheme string) (string, bool) {
	hostname, rawPort, ok := splitAuthority(authority)
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitAuthority splits host[:port]. IPv6 literals must be bracketed and are
// returned without brackets.
func splitAuthority(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}

	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := authority[1:end], authority[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	hostname, port, found := strings.Cut(authority, ":")
	if !found {
		return authority, "", true
	}
	if hostname == "" || port == "" || strings.Contains(port, ":") {
		return "", "", false
	}
	return hostname, port, true
}
