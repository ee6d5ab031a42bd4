package playground

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/vitwit/x402pay/ledger"
	"github.com/vitwit/x402pay/types"
)

const maxProxyBody = 1 << 20

type pathFunc func(c *gin.Context) string

func fixedPath(path string) pathFunc {
	return func(*gin.Context) string { return path }
}

// paramPath builds prefix + escaped :id + suffix.
func paramPath(prefix, suffix string) pathFunc {
	return func(c *gin.Context) string {
		return prefix + url.PathEscape(c.Param("id")) + suffix
	}
}

// proxy forwards the request to the backend with the server's credentials
// and relays the backend's status and body unchanged.
func (s *Server) proxy(method string, path pathFunc, withBody bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body json.RawMessage
		if withBody {
			raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxProxyBody))
			if err != nil || !json.Valid(raw) {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":  "invalid_json",
					"detail": "Request body must be valid JSON",
				})
				return
			}
			body = raw
		}

		target := path(c)
		resp, err := s.ledger.Proxy(c.Request.Context(), method, target, body)
		if err != nil {
			backendError(c, s.ledger.BaseURL(), err)
			return
		}

		if resp.StatusCode >= http.StatusBadRequest {
			s.log.Error("backend returned error", map[string]any{
				"path":   target,
				"status": resp.StatusCode,
				"body":   string(resp.Body),
			})
		}

		if !json.Valid(resp.Body) {
			c.JSON(resp.StatusCode, gin.H{
				"raw_response": string(resp.Body),
				"error":        "Invalid JSON response from backend",
			})
			return
		}
		c.Data(resp.StatusCode, "application/json", resp.Body)
	}
}

// backendError maps a ledger client failure onto the playground's error
// responses. HTTP errors from the backend keep their status.
func backendError(c *gin.Context, backendURL string, err error) {
	switch types.CodeOf(err) {
	case types.ErrNetworkError:
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  "backend_unreachable",
			"detail": "Connection to backend failed - is it running at " + backendURL + "?",
		})
	case types.ErrLedgerTimeout:
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":  "backend_timeout",
			"detail": "Backend request timed out",
		})
	default:
		if status := ledger.StatusCode(err); status != 0 {
			c.JSON(status, gin.H{"error": "backend_error", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  "proxy_error",
			"detail": "Proxy error: " + err.Error(),
		})
	}
}
