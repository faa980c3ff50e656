// Package webhook is the HTTP ingress for GitHub workflow_job events.
package webhook

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/go-github/v66/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/poolscaler/internal/autoscaler"
)

// maxPayloadBytes matches GitHub's own cap on webhook payloads.
const maxPayloadBytes = 25 << 20

const eventWorkflowJob = "workflow_job"

// Receiver accepts a raw workflow_job payload.
type Receiver interface {
	Receive(payload []byte) (autoscaler.Reason, error)
}

// Response is the JSON body written for every delivery.
type Response struct {
	Event  string `json:"event"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Handler validates the delivery signature with secret and hands
// workflow_job payloads to r.  An empty secret disables signature checks.
func Handler(r Receiver, secret string, logger *slog.Logger) http.HandlerFunc {
	tracer := otel.Tracer("poolscaler/webhook")
	key := []byte(secret)

	return func(w http.ResponseWriter, req *http.Request) {
		ctx, span := tracer.Start(req.Context(), "webhook.Receive")
		defer span.End()

		event := github.WebHookType(req)
		delivery := github.DeliveryID(req)
		span.SetAttributes(
			attribute.String("github.event", event),
			attribute.String("github.delivery", delivery),
		)

		req.Body = http.MaxBytesReader(w, req.Body, maxPayloadBytes)
		payload, err := github.ValidatePayload(req, key)
		if err != nil {
			logger.WarnContext(ctx, "rejecting webhook delivery",
				slog.String("event", event),
				slog.String("delivery", delivery),
				slog.String("error", err.Error()),
			)
			writeJSON(w, http.StatusUnauthorized, Response{Event: event, Result: "invalid", Error: err.Error()})
			return
		}

		switch event {
		case "ping":
			writeJSON(w, http.StatusOK, Response{Event: event, Result: "pong"})
			return
		case eventWorkflowJob:
		default:
			logger.DebugContext(ctx, "ignoring webhook event", slog.String("event", event))
			writeJSON(w, http.StatusOK, Response{Event: event, Result: "ignored"})
			return
		}

		reason, err := r.Receive(payload)
		if err != nil {
			span.RecordError(err)
			logger.WarnContext(ctx, "unparsable workflow_job payload",
				slog.String("delivery", delivery),
				slog.String("error", err.Error()),
			)
			writeJSON(w, http.StatusBadRequest, Response{Event: event, Result: "invalid", Error: err.Error()})
			return
		}

		span.SetAttributes(attribute.String("admission.reason", string(reason)))
		status := http.StatusOK
		if reason == autoscaler.ReasonAccepted {
			status = http.StatusAccepted
		}
		writeJSON(w, status, Response{Event: event, Result: string(reason)})
	}
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
