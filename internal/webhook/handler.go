package webhook

import (
	"net/http"
	"strings"

	"github.com/google/go-github/v75/github"
	"go.uber.org/zap"
)

// Handler authenticates GitHub deliveries and dispatches them to processors by event type.
type Handler struct {
	secret     []byte
	processors map[string]Processor
	logger     *zap.Logger
	// OnOutcome observes every dispatched event, for metrics.
	OnOutcome func(event string, outcome Outcome)
}

// NewHandler creates a webhook handler. An empty secret disables signature checks.
func NewHandler(secret string, logger *zap.Logger, processors ...Processor) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	byEvent := make(map[string]Processor, len(processors))
	for _, processor := range processors {
		if processor == nil {
			continue
		}
		byEvent[processor.Event()] = processor
	}
	return &Handler{
		secret:     []byte(strings.TrimSpace(secret)),
		processors: byEvent,
		logger:     logger,
	}
}

// ServeHTTP answers 200 for processed events, 202 for skipped ones and 500 for failures.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := github.ValidatePayload(r, h.secret)
	if err != nil {
		h.logger.Warn("webhook payload rejected", zap.Error(err))
		http.Error(w, "invalid payload signature", http.StatusUnauthorized)
		return
	}

	event := github.WebHookType(r)
	if event == "ping" {
		writeOutcome(w, http.StatusOK, "pong")
		return
	}

	processor, ok := h.processors[event]
	if !ok {
		outcome := skipped(event, "event %q is not tracked", event)
		h.observe(event, outcome)
		writeOutcome(w, http.StatusAccepted, outcome.String())
		return
	}

	outcome := processor.Process(r.Context(), payload)
	h.observe(event, outcome)
	writeOutcome(w, statusCode(outcome.Status), outcome.String())
}

func (h *Handler) observe(event string, outcome Outcome) {
	if h.OnOutcome != nil {
		h.OnOutcome(event, outcome)
	}
}

func statusCode(status Status) int {
	switch status {
	case StatusProcessed:
		return http.StatusOK
	case StatusSkipped:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func writeOutcome(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body + "\n"))
}
