// Package service provides the loom ingest service: an HTTP front that
// forwards chat requests to an upstream provider, streams the response back
// to the client verbatim, and materializes the stream into ordered typed
// blocks as it passes through.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"go.uber.org/zap"

	"github.com/loomworksco/loom/pkg/blocks"
	"github.com/loomworksco/loom/pkg/chunk"
	"github.com/loomworksco/loom/pkg/ingest"
	"github.com/loomworksco/loom/pkg/provider"
	"github.com/loomworksco/loom/pkg/store"
	"github.com/loomworksco/loom/pkg/throttle"
	"github.com/loomworksco/loom/pkg/utils"
	"github.com/loomworksco/loom/service/header"
	"github.com/loomworksco/loom/service/worker"
)

// errorResponse is the JSON error envelope returned by the service.
type errorResponse struct {
	Error string `json:"error"`
}

// Service is the ingest server. It is transparent to the client: requests
// are forwarded to the upstream provider and the response bytes stream back
// unchanged while the materialization pipeline consumes a tee of them.
type Service struct {
	config        Config
	driver        store.Driver
	workerPool    *worker.Pool
	logger        *zap.Logger
	httpClient    *http.Client
	server        *fiber.App
	caches        *provider.Caches
	headerHandler *header.Handler
}

// New creates a new Service.
// The driver is injected to handle block and message persistence.
// Returns an error if the configured provider type is not recognized.
func New(config Config, driver store.Driver, wp *worker.Pool, logger *zap.Logger) (*Service, error) {
	if config.ProviderType == "" {
		return nil, errors.New("provider type is required")
	}

	// Validate the configured dialect up front rather than on first request.
	if _, err := provider.NewTranslator(config.ProviderType, "", nil); err != nil {
		return nil, fmt.Errorf("could not create translator: %w", err)
	}

	// An unset throttle interval must not degrade to per-delta persistence.
	if config.ThrottleInterval <= 0 {
		config.ThrottleInterval = throttle.DefaultInterval
	}

	app := fiber.New(fiber.Config{
		// Disable startup message for cleaner logs
		DisableStartupMessage: true,
		// Enable streaming
		StreamRequestBody: true,
	})

	// Add compression middleware to handle responses
	app.Use(compress.New())

	s := &Service{
		config:        config,
		driver:        driver,
		workerPool:    wp,
		logger:        logger,
		server:        app,
		caches:        provider.NewCaches(),
		headerHandler: header.NewHandler(header.ProviderHeader, header.ConversationHeader),
		httpClient: &http.Client{
			// Provider requests can be slow, especially with thinking blocks
			Timeout: 5 * time.Minute,
		},
	}

	app.Get("/healthz", s.handleHealth)
	app.Post("/v1/messages/stream", s.handleStream)
	app.Get("/v1/messages", s.handleListMessages)
	app.Get("/v1/messages/:id", s.handleGetMessage)
	app.Get("/v1/messages/:id/blocks", s.handleListBlocks)

	return s, nil
}

// Run starts the service on the configured listening address
func (s *Service) Run() error {
	s.logger.Info("starting ingest service",
		zap.String("listen", s.config.ListenAddr),
		zap.String("upstream", s.config.UpstreamURL),
		zap.String("provider", s.config.ProviderType),
	)

	return s.server.Listen(s.config.ListenAddr)
}

// RunWithListener starts the service using the provided listener.
func (s *Service) RunWithListener(listener net.Listener) error {
	s.logger.Info("starting ingest service",
		zap.String("listen", listener.Addr().String()),
		zap.String("upstream", s.config.UpstreamURL),
	)

	return s.server.Listener(listener)
}

// Close gracefully shuts down the service and waits for the worker pool to drain
func (s *Service) Close() error {
	err := s.server.Shutdown()
	s.workerPool.Close()
	return err
}

func (s *Service) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleStream forwards a chat request to the upstream provider and streams
// the response back while materializing blocks from a tee of the stream.
func (s *Service) handleStream(c *fiber.Ctx) error {
	startTime := time.Now()

	providerType := strings.TrimSpace(c.Get(header.ProviderHeader))
	if providerType == "" {
		providerType = s.config.ProviderType
	}
	conversationKey := strings.TrimSpace(c.Get(header.ConversationHeader))

	translator, err := provider.NewTranslator(providerType, conversationKey, s.caches)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: err.Error()})
	}

	body := c.Body()
	if len(body) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "request body is required"})
	}

	upstreamURL := s.config.UpstreamURL + upstreamChatPath(providerType)

	// Use context.Background() instead of c.Context() because fasthttp recycles
	// its RequestCtx after the handler returns, but the streaming pipeline runs
	// asynchronously in a separate goroutine and needs the upstream connection
	// to remain open.
	httpReq, err := http.NewRequestWithContext(context.Background(), http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("failed to create upstream request", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "internal error"})
	}

	s.headerHandler.SetUpstreamRequestHeaders(c, httpReq)

	s.logger.Debug("forwarding streaming request to upstream",
		zap.String("url", upstreamURL),
		zap.String("provider", providerType),
	)

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		s.logger.Error("upstream request failed", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(errorResponse{Error: "upstream request failed"})
	}
	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		s.logger.Error("upstream returned error",
			zap.Int("status", httpResp.StatusCode),
			zap.String("body", utils.Truncate(string(respBody), 512)),
		)
		return c.Status(httpResp.StatusCode).Send(respBody)
	}

	s.headerHandler.SetClientResponseHeaders(c, httpResp)

	// Use io.Pipe + SetBodyStream instead of SetBodyStreamWriter.
	// SetBodyStreamWriter uses an internal PipeConns with a buffered channel
	// (capacity 4) and two bufio.Writers, which means Flush() in the callback
	// only pushes data into the pipe — NOT to the TCP socket. This causes all
	// chunks to buffer in memory before being sent to the client.
	//
	// With io.Pipe, pw.Write blocks until the reader consumes the data, and
	// the reader is fasthttp's writeBodyChunked which flushes to TCP after
	// every chunk. This gives direct backpressure and true per-chunk streaming.
	pr, pw := io.Pipe()
	go s.materialize(httpResp, pw, translator, providerType, conversationKey, startTime)

	// Set the pipe reader as the body stream with unknown size (-1),
	// which triggers chunked transfer encoding in fasthttp.
	c.Context().Response.SetBodyStream(pr, -1)

	return nil
}

// materialize consumes the upstream response through the translation pipeline
// while teeing the raw bytes to the client pipe. It always closes both the
// upstream body and the pipe writer, finalizes the message, and hands the
// result to the worker pool.
func (s *Service) materialize(httpResp *http.Response, pw *io.PipeWriter, translator provider.Translator, providerType, conversationKey string, startTime time.Time) {
	defer httpResp.Body.Close()
	defer pw.Close()

	var src ingest.RawSource
	if strings.HasPrefix(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		src = ingest.NewSSETeeSource(httpResp.Body, pw)
	} else {
		src = ingest.NewNDJSONTeeSource(httpResp.Body, pw)
	}

	manager := blocks.NewManager(s.driver,
		blocks.WithLogger(s.logger),
		blocks.WithThrottleInterval(s.config.ThrottleInterval),
	)
	defer manager.Cleanup()

	adapter := ingest.NewAdapter(translator,
		ingest.WithIdleTimeout(s.config.IdleTimeout),
		ingest.WithLogger(s.logger),
	)

	ctx := context.Background()
	err := adapter.ProcessStream(ctx, src, nil, func(c chunk.Chunk) error {
		return manager.OnChunk(ctx, c)
	})

	reason := blocks.ReasonComplete
	switch {
	case err == nil:
	case ingest.IsTimeout(err), ingest.IsAbort(err):
		s.logger.Warn("stream aborted", zap.Error(err))
		reason = blocks.ReasonAborted
	default:
		s.logger.Error("stream materialization failed", zap.Error(err))
		reason = blocks.ReasonError
	}

	// The Finish chunk normally finalizes through OnChunk; this covers the
	// path where emitting failed partway.
	if ferr := manager.Finalize(ctx, reason); ferr != nil {
		s.logger.Error("finalize failed", zap.Error(ferr))
	}

	msg := manager.Message().Clone()

	blks, lerr := s.driver.ListBlocks(ctx, msg.ID)
	if lerr != nil {
		s.logger.Warn("could not list blocks for finalized message",
			zap.String("message_id", msg.ID),
			zap.Error(lerr),
		)
	}

	s.logger.Debug("streaming complete",
		zap.String("message_id", msg.ID),
		zap.Int("block_count", len(blks)),
		zap.Duration("duration", time.Since(startTime)),
	)

	s.workerPool.Enqueue(worker.Job{
		Provider:        providerType,
		ConversationKey: conversationKey,
		Message:         msg,
		Blocks:          blks,
		StartedAt:       startTime,
		CompletedAt:     time.Now(),
		Reason:          string(reason),
	})
}

func (s *Service) handleListMessages(c *fiber.Ctx) error {
	messages, err := s.driver.ListMessages(c.Context())
	if err != nil {
		s.logger.Error("failed to list messages", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "failed to list messages"})
	}

	return c.JSON(fiber.Map{"messages": messages})
}

func (s *Service) handleGetMessage(c *fiber.Ctx) error {
	id := c.Params("id")

	msg, err := s.driver.GetMessage(c.Context(), id)
	if err != nil {
		var nf store.NotFoundError
		if errors.As(err, &nf) {
			return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: err.Error()})
		}
		s.logger.Error("failed to get message", zap.String("id", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "failed to get message"})
	}

	return c.JSON(msg)
}

func (s *Service) handleListBlocks(c *fiber.Ctx) error {
	id := c.Params("id")

	// Confirm the message exists so a missing message is a 404, not an
	// empty list.
	if _, err := s.driver.GetMessage(c.Context(), id); err != nil {
		var nf store.NotFoundError
		if errors.As(err, &nf) {
			return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: err.Error()})
		}
		s.logger.Error("failed to get message", zap.String("id", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "failed to get message"})
	}

	blks, err := s.driver.ListBlocks(c.Context(), id)
	if err != nil {
		s.logger.Error("failed to list blocks", zap.String("id", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "failed to list blocks"})
	}

	return c.JSON(fiber.Map{"message_id": id, "blocks": blks})
}

// upstreamChatPath maps a provider dialect to its streaming chat endpoint.
func upstreamChatPath(providerType string) string {
	switch providerType {
	case provider.Anthropic:
		return "/v1/messages"
	case provider.OpenAI:
		return "/v1/chat/completions"
	default:
		return "/api/chat"
	}
}
