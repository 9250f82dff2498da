// Webhook HTTP handlers.
//
// This file exposes the inbound endpoints the messaging platforms deliver to:
//   - POST /webhook/telegram   (bot-update shaped JSON)
//   - POST /webhook/whatsapp   (gateway shaped JSON: entry/changes/messages)
//
// Handlers are transport-thin: they parse the platform payload into the
// orchestrator's event shape, invoke it, and translate the outcome into a
// reply body. Platforms redeliver on non-2xx, so only retryable outcomes map
// to 5xx/429; terminal outcomes always answer 200 with the user-facing text.
package handlers

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-onboard-backend/internal/privacy"
	"github.com/tbourn/go-onboard-backend/internal/services"
)

// Orchestrator is the single entry point handlers call for inbound events.
type Orchestrator interface {
	HandleContactEvent(ctx context.Context, ev services.IncomingContactEvent) services.Outcome
}

// Platform identifiers recorded on sessions, links, and audit events.
const (
	PlatformTelegram = "telegram"
	PlatformWhatsApp = "whatsapp"
)

// Reply texts for the outcomes the classifier has no template for.
const (
	replyAskPhone = "Bonjour ! Pour créer votre compte, merci de partager votre numéro de téléphone mobile avec votre accord."
	replyCreated  = "Votre compte a été créé. Bienvenue !"
	replyLinked   = "Votre compte existant a été retrouvé et relié à cette messagerie."
)

// Handlers groups the HTTP endpoints of the onboarding API.
type Handlers struct {
	orch  Orchestrator
	audit AuditReader
}

// New constructs a Handlers instance bound to the given services.
func New(orch Orchestrator, audit AuditReader) *Handlers {
	return &Handlers{orch: orch, audit: audit}
}

//
// DTOs
//

// AccountSummary is the client-safe projection of an account. The phone is
// masked; unmasked numbers never leave the service.
type AccountSummary struct {
	ID          int64  `json:"id"`
	PhoneMasked string `json:"phone_masked"`
	DisplayName string `json:"display_name,omitempty"`
	RosterCode  string `json:"roster_code,omitempty"`
}

// WebhookResponse is the reply body for both webhook endpoints.
type WebhookResponse struct {
	Kind      string          `json:"kind"`
	Code      string          `json:"code,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	Reply     string          `json:"reply,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Account   *AccountSummary `json:"account,omitempty"`
}

// telegramUpdate mirrors the subset of the bot-update payload the adapter
// reads. Unknown fields are ignored.
type telegramUpdate struct {
	UpdateID int64            `json:"update_id"`
	Message  *telegramMessage `json:"message"`
}

type telegramMessage struct {
	MessageID int64            `json:"message_id"`
	From      *telegramUser    `json:"from"`
	Text      string           `json:"text"`
	Contact   *telegramContact `json:"contact"`
}

type telegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

type telegramContact struct {
	PhoneNumber string `json:"phone_number"`
	UserID      int64  `json:"user_id"`
}

// whatsappPayload mirrors the gateway envelope: entry → changes → value →
// messages. Only the first message of the delivery is processed; gateways
// send one message per webhook call in practice.
type whatsappPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []whatsappMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type whatsappMessage struct {
	From string `json:"from"` // sender wa_id (digits, no '+')
	ID   string `json:"id"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive struct {
		ButtonReply struct {
			ID string `json:"id"`
		} `json:"button_reply"`
	} `json:"interactive"`
}

//
// Endpoints
//

// TelegramWebhook handles POST /webhook/telegram.
//
// Consent mapping: sharing one's own contact card is the consent gesture
// (the card's user id must match the sender); typed numbers need an explicit
// consent keyword alongside. "/stop" withdraws consent.
func (h *Handlers) TelegramWebhook(c *gin.Context) {
	var upd telegramUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed webhook payload")
		return
	}
	m := upd.Message
	if m == nil || m.From == nil {
		// Edits, channel posts etc. are acknowledged and dropped.
		c.Status(http.StatusNoContent)
		return
	}

	ev := services.IncomingContactEvent{
		Platform:       PlatformTelegram,
		PlatformUserID: strconv.FormatInt(m.From.ID, 10),
		MessageID:      strconv.FormatInt(upd.UpdateID, 10),
		Metadata:       map[string]string{"first_name": m.From.FirstName},
	}

	switch {
	case m.Contact != nil && m.Contact.UserID == m.From.ID:
		// Own contact card shared via the platform's request-contact button.
		ev.PhoneCandidate = m.Contact.PhoneNumber
		ev.Consent = true
	case m.Contact != nil:
		// A forwarded third-party card carries no consent from its owner.
		ev.PhoneCandidate = m.Contact.PhoneNumber
	default:
		ev.PhoneCandidate = extractPhoneCandidate(m.Text)
		ev.Consent = hasConsentKeyword(m.Text)
		ev.ConsentWithdrawn = isStopCommand(m.Text)
	}

	writeOutcome(c, h.orch.HandleContactEvent(c.Request.Context(), ev))
}

// WhatsAppWebhook handles POST /webhook/whatsapp.
//
// The sender's wa_id is itself a phone number, so it serves as the fallback
// candidate when the message body carries none. Consent arrives either as a
// keyword or as the consent button reply.
func (h *Handlers) WhatsAppWebhook(c *gin.Context) {
	var p whatsappPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed webhook payload")
		return
	}
	msg, ok := firstWhatsAppMessage(p)
	if !ok {
		// Status updates and read receipts share the webhook.
		c.Status(http.StatusNoContent)
		return
	}

	ev := services.IncomingContactEvent{
		Platform:       PlatformWhatsApp,
		PlatformUserID: msg.From,
		MessageID:      msg.ID,
	}

	body := msg.Text.Body
	consent := hasConsentKeyword(body) || msg.Interactive.ButtonReply.ID == "consent_yes"
	ev.ConsentWithdrawn = isStopCommand(body)
	if cand := extractPhoneCandidate(body); cand != "" {
		ev.PhoneCandidate = cand
		ev.Consent = consent
	} else if consent {
		// Consent without a typed number: fall back to the sender identity.
		ev.PhoneCandidate = "+" + msg.From
		ev.Consent = true
	}

	writeOutcome(c, h.orch.HandleContactEvent(c.Request.Context(), ev))
}

//
// Outcome translation
//

// writeOutcome maps an orchestrator outcome onto an HTTP status and reply
// body. Retryable service errors answer 503 (429 for throttling) so the
// platform redelivers; every terminal outcome answers 200.
func writeOutcome(c *gin.Context, out services.Outcome) {
	resp := WebhookResponse{
		Kind:      string(out.Kind),
		Code:      out.Code,
		Retryable: out.Retryable,
		Reply:     out.UserMessage,
		SessionID: out.SessionID,
	}
	if out.Account != nil {
		resp.Account = &AccountSummary{
			ID:          out.Account.ID,
			PhoneMasked: privacy.Mask(out.Account.Phone),
			DisplayName: out.Account.DisplayName,
			RosterCode:  out.Account.RosterCode,
		}
	}

	status := http.StatusOK
	switch out.Kind {
	case services.OutcomePhoneRequested:
		resp.Reply = replyAskPhone
	case services.OutcomeAccountCreated:
		resp.Reply = replyCreated
	case services.OutcomeAccountAlreadyLinked:
		resp.Reply = replyLinked
	case services.OutcomeServiceError:
		if out.Retryable {
			status = http.StatusServiceUnavailable
			if out.Code == services.CodeRateLimited {
				status = http.StatusTooManyRequests
				c.Header("Retry-After", "1")
			}
		}
	}
	ok(c, status, resp)
}

//
// Payload helpers
//

// phoneCandidateRE finds the first phone-looking token in free text: an
// optional leading '+' then at least seven digits, allowing separators.
var phoneCandidateRE = regexp.MustCompile(`\+?\d[\d .\-()]{6,}\d`)

func extractPhoneCandidate(text string) string {
	return phoneCandidateRE.FindString(text)
}

// hasConsentKeyword reports an explicit consent token in the message text.
// The bot prompts in French; the accepted tokens mirror the prompt wording.
func hasConsentKeyword(text string) bool {
	for _, w := range strings.Fields(strings.ToLower(text)) {
		switch strings.Trim(w, ".,!") {
		case "oui", "j'accepte", "accord", "ok", "yes":
			return true
		}
	}
	return false
}

func isStopCommand(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	return t == "/stop" || t == "stop" || t == "retirer"
}

func firstWhatsAppMessage(p whatsappPayload) (whatsappMessage, bool) {
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			if len(ch.Value.Messages) > 0 {
				return ch.Value.Messages[0], true
			}
		}
	}
	return whatsappMessage{}, false
}
