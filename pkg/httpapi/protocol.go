package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Protocol versions this server speaks. A client may pin any version in the
// supported window; responses always advertise the window so clients can
// plan upgrades.
const (
	ProtocolCurrent = "1.2.0"
	ProtocolMin     = "1.0.0"
)

// SupportedProtocols is the advertised window, oldest first.
var SupportedProtocols = []string{"1.0.0", "1.1.0", ProtocolCurrent}

var (
	protocolCurrent = semver.MustParse(ProtocolCurrent)
	protocolMin     = semver.MustParse(ProtocolMin)
)

// ProtocolPolicy controls how strictly the x-settld-protocol header is
// enforced. Deprecations map "major.minor" to a cutoff instant; a pinned
// version whose cutoff has passed is rejected even inside the window.
type ProtocolPolicy struct {
	Required   bool
	Deprecated map[string]time.Time
}

// checkProtocol validates a pinned protocol version against the window.
// It returns the stable error code for the envelope, "" when acceptable.
func (p ProtocolPolicy) checkProtocol(pinned string, now time.Time) (code, detail string) {
	if pinned == "" {
		if p.Required {
			return CodeProtocolRequired, "x-settld-protocol is required"
		}
		return "", ""
	}
	v, err := semver.NewVersion(pinned)
	if err != nil {
		return CodeProtocolTooNew, fmt.Sprintf("protocol %q does not parse: %v", pinned, err)
	}
	if v.LessThan(protocolMin) {
		return CodeProtocolTooOld, fmt.Sprintf("protocol %s predates the supported window (min %s)", pinned, ProtocolMin)
	}
	if v.GreaterThan(protocolCurrent) {
		return CodeProtocolTooNew, fmt.Sprintf("protocol %s is newer than this server speaks (current %s)", pinned, ProtocolCurrent)
	}
	key := fmt.Sprintf("%d.%d", v.Major(), v.Minor())
	if cutoff, ok := p.Deprecated[key]; ok && now.After(cutoff) {
		return CodeProtocolDeprecated,
			fmt.Sprintf("protocol %s was retired on %s", pinned, cutoff.UTC().Format(time.RFC3339))
	}
	return "", ""
}

// protocol stamps the negotiation response headers and rejects requests
// pinned outside the window.
func (s *Server) protocol(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderProtocol, ProtocolCurrent)
		w.Header().Set(HeaderSupportedProtocols, strings.Join(SupportedProtocols, ", "))
		if code, detail := s.protocolPolicy.checkProtocol(r.Header.Get(HeaderProtocol), s.now()); code != "" {
			writeError(w, StatusForCode(code), code, detail)
			return
		}
		next.ServeHTTP(w, r)
	})
}
