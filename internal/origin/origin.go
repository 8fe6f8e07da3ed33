// Package origin normalizes browser Origin headers and evaluates them against
// the configured cross-origin allow-list.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header and returns its canonical
// scheme://host[:port] form plus the host[:port] portion for same-host
// comparisons. Default ports are stripped. The special value "null" (sent by
// sandboxed iframes and some file:// contexts) is allowed and returned as-is.
func Normalize(originHeader string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	// An Origin is just scheme://authority; anything beyond that is suspect.
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	hostname, port, ok := canonicalHostPort(u.Host, scheme)
	if !ok {
		return "", "", false
	}

	host = hostname
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, host, true
}

// Allowed reports whether the normalized origin may access the given request
// host. A non-empty allow-list is authoritative: entries must be "*" or
// normalized origins. With an empty allow-list the policy is same-host only.
func Allowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	// Same-host fallback. Scheme is deliberately not compared: behind a
	// TLS-terminating proxy the server sees HTTP while the browser Origin is
	// HTTPS.
	scheme := ""
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		// "null" never matches a host-based request.
		return false
	}

	hostname, port, ok := canonicalHostPort(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	if !ok {
		return false
	}
	canonical := hostname
	if port != "" {
		canonical += ":" + port
	}
	return originHost == canonical
}

// canonicalHostPort lowercases the hostname, re-brackets IPv6 literals, and
// drops the port when it is the scheme default.
func canonicalHostPort(rawHost, scheme string) (hostname, port string, ok bool) {
	name, rawPort, ok := splitHostPort(rawHost)
	if !ok {
		return "", "", false
	}

	name = strings.ToLower(name)
	if name == "" {
		return "", "", false
	}

	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			rawPort = ""
		} else {
			rawPort = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(name, ":") {
		name = "[" + name + "]"
	}
	return name, rawPort, true
}

// splitHostPort splits an authority host[:port] string. IPv6 literals are
// returned without brackets; the port is returned unvalidated.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		i := strings.IndexByte(rawHost, ':')
		if i == 0 || i == len(rawHost)-1 {
			return "", "", false
		}
		return rawHost[:i], rawHost[i+1:], true
	default:
		// Unbracketed IPv6 literals are not valid authority components.
		return "", "", false
	}
}
