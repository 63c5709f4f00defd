package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/loomworksco/loom/pkg/blocks"
	"github.com/loomworksco/loom/pkg/store/inmemory"
)

// streamRequest posts a chat request to the streaming endpoint and returns
// the full response body once the upstream stream has been relayed.
func streamRequest(s *Service, headers map[string]string) (int, string) {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/stream",
		strings.NewReader(`{"model":"test","messages":[{"role":"user","content":"Say hello"}],"stream":true}`))
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.server.Test(req, -1)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return resp.StatusCode, string(body)
}

// waitForFinalizedMessage polls the driver until one message reaches a
// terminal status, then returns it with its blocks.
func waitForFinalizedMessage(driver *inmemory.Driver) (*blocks.Message, []*blocks.Block) {
	ctx := context.Background()

	var msg *blocks.Message
	Eventually(func() bool {
		msgs, err := driver.ListMessages(ctx)
		if err != nil || len(msgs) != 1 || !msgs[0].Status.Terminal() {
			return false
		}
		msg = msgs[0]
		return true
	}).Should(BeTrue())

	blks, err := driver.ListBlocks(ctx, msg.ID)
	Expect(err).NotTo(HaveOccurred())
	return msg, blks
}

var _ = Describe("streaming materialization", func() {
	var (
		s        *Service
		driver   *inmemory.Driver
		upstream *httptest.Server
	)

	AfterEach(func() {
		if s != nil {
			s.Close()
		}
		if upstream != nil {
			upstream.Close()
		}
	})

	Context("with an OpenAI SSE upstream", func() {
		events := []string{
			"data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"Hello\"}}]}\n\n",
			"data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\" world\"}}]}\n\n",
			"data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"!\"}}]}\n\n",
			"data: [DONE]\n\n",
		}

		BeforeEach(func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.URL.Path).To(Equal("/v1/chat/completions"))
				w.Header().Set("Content-Type", "text/event-stream")
				flusher, ok := w.(http.Flusher)
				Expect(ok).To(BeTrue())

				for _, event := range events {
					fmt.Fprint(w, event)
					flusher.Flush()
				}
			}))
			s, driver = newTestService(upstream.URL, "openai")
		})

		It("relays the stream verbatim with SSE framing intact", func() {
			status, body := streamRequest(s, nil)
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(Equal(strings.Join(events, "")))
		})

		It("materializes the stream into one finalized text block", func() {
			status, _ := streamRequest(s, nil)
			Expect(status).To(Equal(http.StatusOK))

			msg, blks := waitForFinalizedMessage(driver)
			Expect(msg.Status).To(Equal(blocks.StatusSuccess))
			Expect(blks).To(HaveLen(1))
			Expect(blks[0].Kind).To(Equal(blocks.KindText))
			Expect(blks[0].Status).To(Equal(blocks.StatusSuccess))
			Expect(blks[0].Content).To(Equal("Hello world!"))
		})
	})

	Context("with an Anthropic SSE upstream selected per request", func() {
		BeforeEach(func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.URL.Path).To(Equal("/v1/messages"))
				Expect(r.Header.Get("X-Loom-Provider")).To(BeEmpty())
				w.Header().Set("Content-Type", "text/event-stream")
				flusher := w.(http.Flusher)

				events := []string{
					"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\"}}\n\n",
					"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"thinking\"}}\n\n",
					"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"thinking_delta\",\"thinking\":\"consider\"}}\n\n",
					"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
					"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi there\"}}\n\n",
					"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
				}
				for _, event := range events {
					fmt.Fprint(w, event)
					flusher.Flush()
				}
			}))

			// The service default is ollama; the header overrides per request.
			s, driver = newTestService(upstream.URL, "ollama")
		})

		It("materializes reasoning and text into separate ordered blocks", func() {
			status, _ := streamRequest(s, map[string]string{
				"X-Loom-Provider":     "anthropic",
				"X-Loom-Conversation": "conv-1",
			})
			Expect(status).To(Equal(http.StatusOK))

			msg, blks := waitForFinalizedMessage(driver)
			Expect(msg.Status).To(Equal(blocks.StatusSuccess))
			Expect(blks).To(HaveLen(2))
			Expect(blks[0].Kind).To(Equal(blocks.KindReasoning))
			Expect(blks[0].Content).To(Equal("consider"))
			Expect(blks[1].Kind).To(Equal(blocks.KindText))
			Expect(blks[1].Content).To(Equal("Hi there"))
		})
	})

	Context("with an Ollama NDJSON upstream", func() {
		lines := []string{
			`{"model":"llama3","message":{"role":"assistant","content":"Hel"},"done":false}`,
			`{"model":"llama3","message":{"role":"assistant","content":"lo!"},"done":false}`,
			`{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`,
		}

		BeforeEach(func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.URL.Path).To(Equal("/api/chat"))
				w.Header().Set("Content-Type", "application/x-ndjson")
				flusher := w.(http.Flusher)

				for _, line := range lines {
					fmt.Fprintln(w, line)
					flusher.Flush()
				}
			}))
			s, driver = newTestService(upstream.URL, "ollama")
		})

		It("relays every NDJSON line verbatim", func() {
			status, body := streamRequest(s, nil)
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(Equal(strings.Join(lines, "\n") + "\n"))
		})

		It("materializes the lines into one finalized text block", func() {
			status, _ := streamRequest(s, nil)
			Expect(status).To(Equal(http.StatusOK))

			msg, blks := waitForFinalizedMessage(driver)
			Expect(msg.Status).To(Equal(blocks.StatusSuccess))
			Expect(blks).To(HaveLen(1))
			Expect(blks[0].Content).To(Equal("Hello!"))
		})
	})

	Context("when the upstream reports a provider error mid-stream", func() {
		BeforeEach(func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/x-ndjson")
				flusher := w.(http.Flusher)

				fmt.Fprintln(w, `{"message":{"role":"assistant","content":"par"},"done":false}`)
				flusher.Flush()
				fmt.Fprintln(w, `{"error":"model crashed"}`)
				flusher.Flush()
			}))
			s, driver = newTestService(upstream.URL, "ollama")
		})

		It("records the error block and finalizes the message as errored", func() {
			status, _ := streamRequest(s, nil)
			Expect(status).To(Equal(http.StatusOK))

			msg, blks := waitForFinalizedMessage(driver)
			Expect(msg.Status).To(Equal(blocks.StatusError))

			Expect(blks).To(HaveLen(2))
			Expect(blks[0].Kind).To(Equal(blocks.KindText))
			Expect(blks[0].Content).To(Equal("par"))
			Expect(blks[1].Kind).To(Equal(blocks.KindError))
			Expect(blks[1].Content).To(Equal("model crashed"))
		})
	})
})
