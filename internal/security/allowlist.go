package security

import (
	"net"
	"net/http"
	"strings"
)

// ParseCIDRAllowlist parses a comma-separated CIDR list. Empty elements are
// skipped so env values like "10.0.0.0/8, " work.
func ParseCIDRAllowlist(raw string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, cidr := range strings.Split(raw, ",") {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// IPAllowlist restricts a route to the given networks. An empty allowlist
// admits everyone; the deposit webhook mounts this with the gateway's
// egress ranges.
func IPAllowlist(allow []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allow) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			ip := net.ParseIP(host)
			if ip == nil {
				WriteJSONError(w, r, http.StatusForbidden, "forbidden")
				return
			}

			for _, n := range allow {
				if n.Contains(ip) {
					next.ServeHTTP(w, r)
					return
				}
			}
			WriteJSONError(w, r, http.StatusForbidden, "forbidden")
		})
	}
}
