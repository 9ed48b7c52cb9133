// Package instance derives a stable identifier for this host, used to prefix
// client order ids so orders from different deployments never collide.
package instance

import (
	"os"
	"strings"

	"github.com/denisbrodbeck/machineid"
)

const appID = "trading-guard"

// ID returns an 8 character host id. It falls back to the hostname and then
// to a fixed value when the machine id is not readable (containers).
func ID() string {
	if id, err := machineid.ProtectedID(appID); err == nil && len(id) >= 8 {
		return id[:8]
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return sanitize(host)
	}
	return "guard"
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == 8 {
			break
		}
	}
	if b.Len() == 0 {
		return "guard"
	}
	return b.String()
}
