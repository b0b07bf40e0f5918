package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/gateway/quota"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/apierr"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/notify"
	"github.com/rs/zerolog"
)

const relayBufferSize = 32 << 10

// hopHeaders are not copied from the upstream response.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Content-Length":    true,
	"Trailer":           true,
	"Upgrade":           true,
}

// Preloader is started on the first proxied request.
type Preloader interface {
	Trigger()
}

// ProxyHandler forwards admitted requests upstream and meters them on
// completion.
type ProxyHandler struct {
	ledger    *quota.Ledger
	upstreams *providers.Manager
	keys      KeyStore
	preloader Preloader
	notifier  notify.Notifier
	log       zerolog.Logger
	maxBody   int64
	now       func() time.Time
}

func NewProxyHandler(
	ledger *quota.Ledger,
	upstreams *providers.Manager,
	keys KeyStore,
	preloader Preloader,
	notifier notify.Notifier,
	maxBody int64,
	log zerolog.Logger,
) *ProxyHandler {
	return &ProxyHandler{
		ledger:    ledger,
		upstreams: upstreams,
		keys:      keys,
		preloader: preloader,
		notifier:  notifier,
		log:       log.With().Str("component", "proxy").Logger(),
		maxBody:   maxBody,
		now:       time.Now,
	}
}

// Forward returns the handler proxying to path on the routed upstream,
// e.g. "/chat/completions".
func (h *ProxyHandler) Forward(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.forward(w, r, path)
	}
}

func (h *ProxyHandler) forward(w http.ResponseWriter, r *http.Request, path string) {
	ctx := r.Context()
	startTime := time.Now()

	apiKey, ok := APIKeyFromContext(ctx)
	if !ok {
		apierr.Write(w, apierr.ErrUnauthenticated)
		return
	}

	// Admission control
	month := quota.MonthOf(h.now())
	remaining, err := h.ledger.Admit(ctx, apiKey, month)
	if err != nil {
		if errors.Is(err, apierr.ErrQuotaExceeded) {
			w.Header().Set("X-Quota-Remaining", "0")
		} else {
			h.log.Error().Err(err).Str("api_key_id", apiKey.ID).Msg("quota check failed")
		}
		apierr.Write(w, err)
		return
	}
	if remaining.Remaining != nil {
		w.Header().Set("X-Quota-Remaining", strconv.FormatInt(*remaining.Remaining, 10))
	}

	if h.preloader != nil {
		h.preloader.Trigger()
	}

	// Parse request
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		apierr.Write(w, fmt.Errorf("%w: request body too large or unreadable", apierr.ErrInvalidParameter))
		return
	}
	meta, err := providers.PeekRequest(body)
	if err != nil {
		apierr.Write(w, fmt.Errorf("%w: invalid request body", apierr.ErrInvalidParameter))
		return
	}
	if meta.Stream {
		if body, err = providers.EnsureStreamUsage(body); err != nil {
			apierr.Write(w, fmt.Errorf("%w: invalid request body", apierr.ErrInvalidParameter))
			return
		}
	}

	upstream, err := h.upstreams.Route(meta.Model)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	logger := h.log.With().
		Str("request_id", chimiddleware.GetReqID(ctx)).
		Str("api_key_id", apiKey.ID).
		Str("upstream", upstream.Name).
		Str("model", meta.Model).
		Bool("stream", meta.Stream).
		Logger()

	header := r.Header.Clone()
	if reqID := chimiddleware.GetReqID(ctx); reqID != "" {
		header.Set("X-Request-ID", reqID)
	}

	// Client disconnect cancels ctx, which tears down the upstream call.
	resp, err := upstream.Open(ctx, path, body, header)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info().Msg("client disconnected before upstream responded")
			return
		}
		logger.Warn().Err(err).Msg("upstream unreachable")
		apierr.Write(w, err)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		if hopHeaders[k] {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}

	// Upstream errors pass through verbatim and are never metered.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
		logger.Warn().Int("status", resp.StatusCode).Msg("upstream returned error")
		h.touch(ctx, apiKey, logger)
		return
	}

	meter := providers.NewUsageMeter(resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	relayErr := relay(w, resp.Body, meter)
	_ = meter.Close()

	counts, metered := meter.Usage()
	if metered {
		h.meter(ctx, apiKey, month, counts, logger)
	} else if meter.Overflow() && relayErr == nil {
		h.unmetered(ctx, apiKey, month, path, logger)
	}
	h.touch(ctx, apiKey, logger)

	event := logger.Info()
	if relayErr != nil {
		event = logger.Warn().Err(relayErr)
	}
	event.
		Bool("metered", metered).
		Int64("input", counts.Input).
		Int64("cached", counts.Cached).
		Int64("output", counts.Output).
		Dur("latency", time.Since(startTime)).
		Msg("proxied request")

	if errors.Is(relayErr, apierr.ErrUpstream) && !metered && ctx.Err() == nil {
		h.surfaceTruncation(w, meter)
	}
}

// relay streams src to the client, feeding the meter first so a summary
// read from upstream is captured even if the client write then fails.
func relay(w http.ResponseWriter, src io.Reader, meter *providers.UsageMeter) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, relayBufferSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			_, _ = meter.Write(buf[:n])
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("client write: %w", err)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("%w: stream interrupted: %v", apierr.ErrUpstream, readErr)
		}
	}
}

// surfaceTruncation tells the client an upstream stream broke off. Headers
// are already sent, so SSE clients get an error event and everything else
// gets an aborted connection.
func (h *ProxyHandler) surfaceTruncation(w http.ResponseWriter, meter *providers.UsageMeter) {
	if meter.Done() {
		return
	}
	if isEventStream(w.Header().Get("Content-Type")) {
		_, _ = fmt.Fprintf(w, "data: {\"error\":{\"code\":%q,\"message\":\"upstream stream interrupted\"}}\n\n", apierr.CodeUpstream)
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		return
	}
	panic(http.ErrAbortHandler)
}

// meter commits usage. It runs detached from the request context: a client
// that disconnects after the upstream reported usage is still billed.
func (h *ProxyHandler) meter(ctx context.Context, apiKey *models.APIKey, month string, counts models.TokenCounts, logger zerolog.Logger) {
	writeCtx := context.WithoutCancel(ctx)
	delta, err := h.ledger.RecordUsage(writeCtx, apiKey.ID, month, counts)
	if err == nil {
		return
	}

	logger.Error().Err(err).Int64("quota_delta", delta).Msg("usage not recorded")
	if h.notifier == nil {
		return
	}
	alert := notify.NewAlert(notify.KindLedgerWriteFailed, "critical", "usage write failed after retries", map[string]any{
		"api_key_id":  apiKey.ID,
		"month":       month,
		"input":       counts.Input,
		"cached":      counts.Cached,
		"output":      counts.Output,
		"quota_delta": delta,
	})
	if err := h.notifier.Notify(writeCtx, alert); err != nil {
		logger.Error().Err(err).Msg("alert delivery failed")
	}
}

// unmetered reports a completed response whose usage could not be found.
func (h *ProxyHandler) unmetered(ctx context.Context, apiKey *models.APIKey, month, path string, logger zerolog.Logger) {
	logger.Error().Str("path", path).Msg("oversized response delivered without usage summary")
	if h.notifier == nil {
		return
	}
	alert := notify.NewAlert(notify.KindUsageUnmetered, "critical", "response too large to meter", map[string]any{
		"api_key_id": apiKey.ID,
		"month":      month,
		"path":       path,
	})
	if err := h.notifier.Notify(context.WithoutCancel(ctx), alert); err != nil {
		logger.Error().Err(err).Msg("alert delivery failed")
	}
}

func (h *ProxyHandler) touch(ctx context.Context, apiKey *models.APIKey, logger zerolog.Logger) {
	if err := h.keys.TouchAPIKey(context.WithoutCancel(ctx), apiKey.ID, h.now()); err != nil {
		logger.Warn().Err(err).Msg("failed to stamp api key last use")
	}
}
