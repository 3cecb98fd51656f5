package httpapi

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/js-owl/maas-back/internal/models"
	"github.com/js-owl/maas-back/pkg/encoding"
	"github.com/js-owl/maas-back/pkg/metrics"
)

// CRM event names mapped onto the normalized event types
var eventTypes = map[string]string{
	"ONCRMDEALUPDATE": models.EventDealUpdated,
	"ONCRMDEALADD":    models.EventDealAdded,
}

// webhookPayload is the part of a CRM outgoing webhook the ingestor reads
type webhookPayload struct {
	Event  string
	Fields map[string]string
	Token  string
}

type jsonWebhook struct {
	Event string `json:"event"`
	Data  struct {
		Fields map[string]any `json:"FIELDS"`
	} `json:"data"`
	Auth struct {
		ApplicationToken string `json:"application_token"`
	} `json:"auth"`
	Token string `json:"token"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		metrics.WebhooksReceived.WithLabelValues("invalid").Inc()
		return
	}

	payload, parseErr := parseWebhook(r.Header.Get("Content-Type"), body)

	if !s.authorizedWebhook(r, payload) {
		metrics.WebhooksReceived.WithLabelValues("unauthorized").Inc()
		s.logger.Warn("Rejected webhook with missing or invalid token", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid webhook token")
		return
	}
	if parseErr != nil {
		metrics.WebhooksReceived.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "bad_request", parseErr.Error())
		return
	}

	eventType, known := eventTypes[strings.ToUpper(strings.TrimSpace(payload.Event))]
	if !known {
		metrics.WebhooksReceived.WithLabelValues("ignored").Inc()
		s.logger.Debug("Ignoring webhook event", "event", payload.Event)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	remoteID, err := strconv.ParseInt(strings.TrimSpace(payload.Fields["ID"]), 10, 64)
	if err != nil || remoteID <= 0 {
		metrics.WebhooksReceived.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "bad_request", "missing or invalid deal id")
		return
	}

	if !s.scope.InPipeline(payload.Fields["CATEGORY_ID"], payload.Fields["STAGE_ID"]) {
		metrics.WebhooksReceived.WithLabelValues("ignored").Inc()
		s.logger.Debug("Ignoring webhook for another pipeline",
			"deal_id", remoteID,
			"category_id", payload.Fields["CATEGORY_ID"],
			"stage_id", payload.Fields["STAGE_ID"],
		)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	ev := models.NewWebhookEvent(eventType, models.KindDeal, remoteID, payload.Fields)
	msg, err := ev.Encode()
	if err == nil {
		_, err = s.queue.Publish(r.Context(), s.cfg.Streams.Webhooks, msg)
	}
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("error").Inc()
		metrics.MessagesPublished.WithLabelValues(s.cfg.Streams.Webhooks, "error").Inc()
		s.logger.Error("Failed to enqueue webhook event", "event_id", ev.EventID, "deal_id", remoteID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "webhook could not be queued")
		return
	}

	metrics.WebhooksReceived.WithLabelValues("queued").Inc()
	metrics.MessagesPublished.WithLabelValues(s.cfg.Streams.Webhooks, "ok").Inc()
	s.logger.Info("Webhook queued", "event_id", ev.EventID, "event", eventType, "deal_id", remoteID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "event_id": ev.EventID})
}

// authorizedWebhook accepts the shared secret from the query, a header or
// the body. Without a configured secret nothing is accepted
func (s *Server) authorizedWebhook(r *http.Request, payload *webhookPayload) bool {
	if s.cfg.WebhookToken == "" {
		return false
	}

	q := r.URL.Query()
	candidates := []string{
		q.Get("token"),
		q.Get("application_token"),
		r.Header.Get("X-Webhook-Token"),
		bearerToken(r.Header.Get("Authorization")),
	}
	if payload != nil {
		candidates = append(candidates, payload.Token)
	}

	for _, c := range candidates {
		if c != "" && subtle.ConstantTimeCompare([]byte(c), []byte(s.cfg.WebhookToken)) == 1 {
			return true
		}
	}
	return false
}

func bearerToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// parseWebhook decodes a form or JSON webhook body. A partially decoded
// payload is returned along with the error so its token can still be checked
func parseWebhook(contentType string, body []byte) (*webhookPayload, error) {
	charset := encoding.CharsetFromContentType(contentType)
	mediaType, _, _ := mime.ParseMediaType(contentType)

	trimmed := bytes.TrimSpace(body)
	if mediaType == "application/json" || (mediaType == "" && bytes.HasPrefix(trimmed, []byte("{"))) {
		return parseJSONWebhook(encoding.ToUTF8(body, charset))
	}
	return parseFormWebhook(body, charset)
}

func parseFormWebhook(body []byte, charset string) (*webhookPayload, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("invalid form body: %w", err)
	}
	decode := func(s string) string {
		return string(encoding.ToUTF8([]byte(s), charset))
	}

	p := &webhookPayload{
		Event:  values.Get("event"),
		Fields: make(map[string]string),
		Token:  values.Get("auth[application_token]"),
	}
	if p.Token == "" {
		p.Token = values.Get("token")
	}
	for key, vals := range values {
		name, ok := strings.CutPrefix(key, "data[FIELDS][")
		name = strings.TrimSuffix(name, "]")
		if !ok || strings.ContainsAny(name, "[]") || len(vals) == 0 {
			continue
		}
		p.Fields[name] = decode(vals[0])
	}
	if p.Event == "" {
		return p, errors.New("missing event")
	}
	return p, nil
}

func parseJSONWebhook(body []byte) (*webhookPayload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw jsonWebhook
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid json body: %w", err)
	}

	p := &webhookPayload{
		Event:  raw.Event,
		Fields: make(map[string]string, len(raw.Data.Fields)),
		Token:  raw.Auth.ApplicationToken,
	}
	if p.Token == "" {
		p.Token = raw.Token
	}
	for k, v := range raw.Data.Fields {
		switch val := v.(type) {
		case nil:
		case string:
			p.Fields[k] = val
		default:
			p.Fields[k] = fmt.Sprint(val)
		}
	}
	if p.Event == "" {
		return p, errors.New("missing event")
	}
	return p, nil
}
