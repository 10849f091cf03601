package webhook

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
)

const runIDContextKey = "webhook.run_id"

var errMalformedAuthHeader = errors.New("missing or malformed Authorization header")

// requireWebhookAuth enforces spec.md §4.7 steps 1-2: every handler on the
// /rp/:run_id/* surface must present a bearer token whose SHA-256 matches
// the run's stored hash. The raw token is compared only by its digest and
// is never itself persisted or logged.
func (s *Server) requireWebhookAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("run_id")

		token, err := extractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			s.abortWithError(c, authError("invalid webhook credential", err))
			return
		}

		storedHash, err := s.store.Runs.GetWebhookTokenHash(c.Request.Context(), runID)
		if errors.Is(err, runstore.ErrRunNotFound) {
			s.abortWithError(c, authError("invalid webhook credential", err))
			return
		}
		if err != nil {
			s.abortWithError(c, databaseError("loading webhook credential", err))
			return
		}

		if !tokenMatchesHash(token, storedHash) {
			s.abortWithError(c, authError("invalid webhook credential", nil))
			return
		}

		c.Set(runIDContextKey, runID)
		c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errMalformedAuthHeader
	}
	token := strings.TrimPrefix(header, prefix)
	if token == "" {
		return "", errMalformedAuthHeader
	}
	return token, nil
}

// tokenMatchesHash reports whether SHA256(presented) equals storedHash,
// in constant time, per spec.md §8's admission-predicate invariant.
func tokenMatchesHash(presented, storedHash string) bool {
	sum := sha256.Sum256([]byte(presented))
	presentedHash := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(presentedHash), []byte(storedHash)) == 1
}
