package middleware

import (
	"net/http"
	"net/netip"

	"github.com/gin-gonic/gin"
	"github.com/pongchat/server/config"
)

// IPWhitelist admits only clients inside one of entries, each a CIDR or a
// single address. Entries that do not parse are ignored; config.Validate
// rejects them at load. With no usable entry every client is admitted.
func IPWhitelist(entries []string) gin.HandlerFunc {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		if p, err := config.ParsePrefix(e); err == nil {
			prefixes = append(prefixes, p)
		}
	}
	return func(c *gin.Context) {
		if len(prefixes) == 0 {
			c.Next()
			return
		}
		addr, err := netip.ParseAddr(c.ClientIP())
		if err == nil {
			addr = addr.Unmap()
			for _, p := range prefixes {
				if p.Contains(addr) {
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied", "code": "forbidden"})
	}
}
