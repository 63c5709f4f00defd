package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/loomworksco/loom/pkg/blocks"
	"github.com/loomworksco/loom/pkg/store/inmemory"
	"github.com/loomworksco/loom/pkg/throttle"
	"github.com/loomworksco/loom/service/worker"
)

func TestService(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Service Suite")
}

// newTestService creates a Service pointed at the given upstream URL, using
// an in-memory store driver and a worker pool with no publisher.
func newTestService(upstreamURL, providerType string) (*Service, *inmemory.Driver) {
	driver := inmemory.NewDriver()

	wp, err := worker.NewPool(&worker.Config{Logger: zap.NewNop()})
	Expect(err).NotTo(HaveOccurred())

	s, err := New(
		Config{
			ListenAddr:       ":0",
			UpstreamURL:      upstreamURL,
			ProviderType:     providerType,
			IdleTimeout:      5 * time.Second,
			ThrottleInterval: 10 * time.Millisecond,
		},
		driver,
		wp,
		zap.NewNop(),
	)
	Expect(err).NotTo(HaveOccurred())
	return s, driver
}

func seedFinalizedMessage(driver *inmemory.Driver, id string, createdAt time.Time, content string) {
	ctx := context.Background()
	blk := &blocks.Block{
		ID:        id + "-blk",
		MessageID: id,
		Kind:      blocks.KindText,
		Status:    blocks.StatusSuccess,
		Content:   content,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	msg := &blocks.Message{
		ID:        id,
		Status:    blocks.StatusSuccess,
		BlockIDs:  []string{blk.ID},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	Expect(driver.PutMessage(ctx, msg)).To(Succeed())
	Expect(driver.PutBlock(ctx, blk)).To(Succeed())
}

var _ = Describe("Service", func() {
	Describe("New", func() {
		It("rejects an empty provider type", func() {
			wp, err := worker.NewPool(&worker.Config{Logger: zap.NewNop()})
			Expect(err).NotTo(HaveOccurred())
			defer wp.Close()

			_, err = New(Config{UpstreamURL: "http://localhost:1"}, inmemory.NewDriver(), wp, zap.NewNop())
			Expect(err).To(MatchError(ContainSubstring("provider type is required")))
		})

		It("defaults an unset throttle interval to a real coalescing window", func() {
			wp, err := worker.NewPool(&worker.Config{Logger: zap.NewNop()})
			Expect(err).NotTo(HaveOccurred())
			defer wp.Close()

			s, err := New(Config{UpstreamURL: "http://localhost:1", ProviderType: "ollama"}, inmemory.NewDriver(), wp, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())
			defer s.Close()

			Expect(s.config.ThrottleInterval).To(Equal(throttle.DefaultInterval))
		})

		It("rejects an unknown provider type", func() {
			wp, err := worker.NewPool(&worker.Config{Logger: zap.NewNop()})
			Expect(err).NotTo(HaveOccurred())
			defer wp.Close()

			_, err = New(Config{UpstreamURL: "http://localhost:1", ProviderType: "grok"}, inmemory.NewDriver(), wp, zap.NewNop())
			Expect(err).To(MatchError(ContainSubstring("unknown provider type")))
		})
	})

	Describe("GET /healthz", func() {
		It("reports ok", func() {
			s, _ := newTestService("http://localhost:1", "ollama")
			defer s.Close()

			resp, err := s.server.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body map[string]string
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body).To(HaveKeyWithValue("status", "ok"))
		})
	})

	Describe("POST /v1/messages/stream", func() {
		It("rejects a request without a body", func() {
			s, _ := newTestService("http://localhost:1", "ollama")
			defer s.Close()

			resp, err := s.server.Test(httptest.NewRequest(http.MethodPost, "/v1/messages/stream", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects an unknown provider override header", func() {
			s, _ := newTestService("http://localhost:1", "ollama")
			defer s.Close()

			req := httptest.NewRequest(http.MethodPost, "/v1/messages/stream", strings.NewReader(`{}`))
			req.Header.Set("X-Loom-Provider", "grok")

			resp, err := s.server.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("passes an upstream error response through unchanged", func() {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				io.WriteString(w, `{"error":"rate limited"}`)
			}))
			defer upstream.Close()

			s, driver := newTestService(upstream.URL, "openai")
			defer s.Close()

			req := httptest.NewRequest(http.MethodPost, "/v1/messages/stream", strings.NewReader(`{"model":"gpt-4"}`))
			resp, err := s.server.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusTooManyRequests))

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal(`{"error":"rate limited"}`))

			// No message is materialized for a failed upstream call.
			msgs, err := driver.ListMessages(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(BeEmpty())
		})

		It("returns 502 when the upstream is unreachable", func() {
			s, _ := newTestService("http://127.0.0.1:1", "openai")
			defer s.Close()

			req := httptest.NewRequest(http.MethodPost, "/v1/messages/stream", strings.NewReader(`{}`))
			resp, err := s.server.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
		})
	})

	Describe("GET /v1/messages", func() {
		It("lists materialized messages in creation order", func() {
			s, driver := newTestService("http://localhost:1", "ollama")
			defer s.Close()

			base := time.Now().UTC()
			seedFinalizedMessage(driver, "msg-1", base, "first")
			seedFinalizedMessage(driver, "msg-2", base.Add(time.Second), "second")

			resp, err := s.server.Test(httptest.NewRequest(http.MethodGet, "/v1/messages", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body struct {
				Messages []*blocks.Message `json:"messages"`
			}
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body.Messages).To(HaveLen(2))
			Expect(body.Messages[0].ID).To(Equal("msg-1"))
			Expect(body.Messages[1].ID).To(Equal("msg-2"))
		})
	})

	Describe("GET /v1/messages/:id", func() {
		It("returns the message", func() {
			s, driver := newTestService("http://localhost:1", "ollama")
			defer s.Close()

			seedFinalizedMessage(driver, "msg-1", time.Now().UTC(), "hello")

			resp, err := s.server.Test(httptest.NewRequest(http.MethodGet, "/v1/messages/msg-1", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var msg blocks.Message
			Expect(json.NewDecoder(resp.Body).Decode(&msg)).To(Succeed())
			Expect(msg.ID).To(Equal("msg-1"))
			Expect(msg.Status).To(Equal(blocks.StatusSuccess))
		})

		It("returns 404 for an unknown message", func() {
			s, _ := newTestService("http://localhost:1", "ollama")
			defer s.Close()

			resp, err := s.server.Test(httptest.NewRequest(http.MethodGet, "/v1/messages/nope", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /v1/messages/:id/blocks", func() {
		It("returns the message's blocks in document order", func() {
			s, driver := newTestService("http://localhost:1", "ollama")
			defer s.Close()

			seedFinalizedMessage(driver, "msg-1", time.Now().UTC(), "hello")

			resp, err := s.server.Test(httptest.NewRequest(http.MethodGet, "/v1/messages/msg-1/blocks", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body struct {
				MessageID string          `json:"message_id"`
				Blocks    []*blocks.Block `json:"blocks"`
			}
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body.MessageID).To(Equal("msg-1"))
			Expect(body.Blocks).To(HaveLen(1))
			Expect(body.Blocks[0].Content).To(Equal("hello"))
		})

		It("returns 404 rather than an empty list for an unknown message", func() {
			s, _ := newTestService("http://localhost:1", "ollama")
			defer s.Close()

			resp, err := s.server.Test(httptest.NewRequest(http.MethodGet, "/v1/messages/nope/blocks", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})
