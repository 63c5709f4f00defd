// Package header provides header filtering for the loom ingest service.
//
// The service sits between a client and an upstream provider like so:
//
//	Client <--> Service <--> Upstream Provider
//
// and headers are handled accordingly as each leg negotiates compression, hops,
// encoding, etc. independently.
package header

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// ProviderHeader optionally overrides the configured provider dialect for a
// single request.
const ProviderHeader = "X-Loom-Provider"

// ConversationHeader carries the conversation key used for continuation
// caching across streams of the same conversation.
const ConversationHeader = "X-Loom-Conversation"

// Handler filters headers on both legs of a proxied stream. Each instance
// carries its own skip sets so the service decides which internal routing
// headers stay inside the service boundary.
type Handler struct {
	skipRequest  map[string]struct{}
	skipResponse map[string]struct{}
}

// NewHandler creates a Handler. The internal headers are stripped from
// upstream requests in addition to the transport-level set; the service
// passes the routing headers it consumes itself.
func NewHandler(internal ...string) *Handler {
	h := &Handler{
		skipRequest: map[string]struct{}{
			// Hop-by-hop: only meaningful for a single transport-level
			// connection.
			"Connection": {},

			// Go's http.Transport rewrites Host to match the upstream URL.
			// Forwarding the client's Host would confuse virtual-hosted
			// upstreams.
			"Host": {},

			// Stripped so Go's http.Transport adds its own
			// "Accept-Encoding: gzip" and transparently decompresses the
			// upstream response.
			"Accept-Encoding": {},
		},
		skipResponse: map[string]struct{}{
			"Connection": {},

			// fasthttp manages chunked transfer encoding for the
			// client-facing response independently.
			"Transfer-Encoding": {},

			// The service always reads a decompressed body. Fiber's compress
			// middleware sets the correct Content-Encoding when it
			// re-compresses back down to the client.
			"Content-Encoding": {},

			// The upstream length reflects the possibly-compressed upstream
			// body; Fiber computes the final Content-Length itself.
			"Content-Length": {},
		},
	}

	for _, name := range internal {
		h.skipRequest[name] = struct{}{}
	}
	return h
}

// SetUpstreamRequestHeaders copies request headers from the Fiber context to
// the outgoing http.Request, dropping transport-level and internal headers.
func (h *Handler) SetUpstreamRequestHeaders(c *fiber.Ctx, req *http.Request) {
	c.Request().Header.VisitAll(func(key, value []byte) {
		k := string(key)
		if _, skip := h.skipRequest[k]; !skip {
			req.Header.Set(k, string(value))
		}
	})
}

// SetClientResponseHeaders copies upstream response headers to the Fiber
// context, dropping headers the client-facing leg renegotiates itself.
// Multi-value headers are joined with commas.
func (h *Handler) SetClientResponseHeaders(c *fiber.Ctx, resp *http.Response) {
	for k, v := range resp.Header {
		if _, skip := h.skipResponse[k]; !skip {
			c.Set(k, strings.Join(v, ", "))
		}
	}
}
