// Package identity derives the rate-limiting principal for a request.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"snapcaption/pkg/domain"
)

// fallbackKey is used when no client address could be determined. All such
// requests share one anonymous window, which degrades limiting fidelity but
// never crashes; this is not a security boundary.
const fallbackKey = "unknown"

// Resolve maps session state and the client address to an Identity.
// A present session user id wins; otherwise the caller is anonymous and
// keyed by a hash of its IP so raw addresses are never stored.
func Resolve(sessionUserID, clientIP string) domain.Identity {
	sessionUserID = strings.TrimSpace(sessionUserID)
	if sessionUserID != "" {
		return domain.Identity{Kind: domain.KindAuthenticated, Key: sessionUserID}
	}
	clientIP = strings.TrimSpace(clientIP)
	if clientIP == "" {
		return domain.Identity{Kind: domain.KindAnonymous, Key: fallbackKey}
	}
	return domain.Identity{Kind: domain.KindAnonymous, Key: hashIP(clientIP)}
}

// hashIP returns a stable hex digest for an IP string.
func hashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}
