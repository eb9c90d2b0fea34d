package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/skyflock/skyflock/internal/audit"
	"github.com/skyflock/skyflock/internal/config"
	apperrors "github.com/skyflock/skyflock/internal/errors"
	"github.com/skyflock/skyflock/internal/gate"
	"github.com/skyflock/skyflock/internal/mfa"
	"github.com/skyflock/skyflock/internal/middleware"
	"github.com/skyflock/skyflock/internal/model"
	"github.com/skyflock/skyflock/internal/redis"
	"github.com/skyflock/skyflock/internal/service"
	"github.com/skyflock/skyflock/internal/sky"
	"github.com/skyflock/skyflock/internal/vault"
)

// InteractionsHandler is the chat platform's single webhook endpoint. It
// translates slash commands, component clicks and modal submissions into
// gate and service calls, and renders the resulting prompt or outcome.
type InteractionsHandler struct {
	accounts   *service.AccountService
	actions    *service.ActionService
	automation *service.AutomationService
	gate       *gate.Gate
	vault      *vault.Vault
	guard      *mfa.Guard
	agent      sky.Agent
	rdb        *redis.Client
}

func NewInteractionsHandler(
	accounts *service.AccountService,
	actions *service.ActionService,
	automation *service.AutomationService,
	g *gate.Gate,
	v *vault.Vault,
	guard *mfa.Guard,
	agent sky.Agent,
	rdb *redis.Client,
) *InteractionsHandler {
	return &InteractionsHandler{
		accounts:   accounts,
		actions:    actions,
		automation: automation,
		gate:       g,
		vault:      v,
		guard:      guard,
		agent:      agent,
		rdb:        rdb,
	}
}

var commandActions = map[string]model.ActionKind{
	"post":     model.ActionPost,
	"like":     model.ActionLike,
	"unlike":   model.ActionUnlike,
	"repost":   model.ActionRepost,
	"unrepost": model.ActionUnrepost,
	"follow":   model.ActionFollow,
	"unfollow": model.ActionUnfollow,
	"mute":     model.ActionMute,
	"unmute":   model.ActionUnmute,
}

func (h *InteractionsHandler) Interactions(w http.ResponseWriter, r *http.Request) {
	body := middleware.GetInteractionBody(r.Context())

	var in Interaction
	if err := json.Unmarshal(body, &in); err != nil {
		log.Warn().Err(err).Msg("invalid interaction payload")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	var resp *InteractionResponse
	switch in.Type {
	case InteractionPing:
		resp = &InteractionResponse{Type: ResponsePong}
	case InteractionCommand:
		resp = h.handleCommand(r, &in)
	case InteractionComponent:
		resp = h.handleComponent(r, &in)
	case InteractionModalSubmit:
		resp = h.handleModalSubmit(r, &in)
	default:
		log.Warn().Int("type", in.Type).Msg("unhandled interaction type")
		resp = errorResponse("Unsupported interaction")
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *InteractionsHandler) handleCommand(r *http.Request, in *Interaction) *InteractionResponse {
	ctx := r.Context()
	data := in.Data

	log.Info().
		Str("command", data.Name).
		Str("guildId", in.GuildID).
		Msg("received command interaction")

	switch data.Name {
	case "link":
		policy := model.Policy(data.Option("policy"))
		rec, err := h.accounts.Link(ctx, in.GuildID, data.Option("identifier"), data.Option("password"), policy, data.Option("key"))
		if err != nil {
			return renderError(err)
		}
		return messageResponse(fmt.Sprintf("Linked account `%s` under %s custody.", rec.ActorDID, policy))

	case "accounts":
		infos, err := h.accounts.List(ctx, in.GuildID)
		if err != nil {
			return renderError(err)
		}
		return accountList(infos)

	case "forget":
		rows, err := h.accounts.Forget(ctx, in.GuildID)
		if err != nil {
			return renderError(err)
		}
		return messageResponse(fmt.Sprintf("Removed %d linked account(s) and all stored credentials.", rows))

	case "signout":
		return h.beginGated(ctx, in, model.ActionSignOut, nil)

	case "rotate":
		target := model.Policy(data.Option("target"))
		if !target.Valid() {
			return errorResponse("Target custody must be system or group.")
		}
		return h.beginGated(ctx, in, model.ActionRotate, map[string]string{"target": string(target)})

	case "mfa":
		return h.handleMFACommand(r, in)

	case "auto":
		channels := splitList(data.Option("channels"))
		return h.beginGated(ctx, in, model.ActionAutoSetup, map[string]string{"channels": strings.Join(channels, ",")})

	default:
		kind, ok := commandActions[data.Name]
		if !ok {
			return errorResponse("Unknown command.")
		}
		payload, err := h.actionPayload(ctx, kind, data)
		if err != nil {
			return renderError(err)
		}
		return h.beginGated(ctx, in, kind, payload)
	}
}

// actionPayload maps command options onto the challenge payload the executor
// will read. Handles are resolved to DIDs up front; resolution needs no
// credentials.
func (h *InteractionsHandler) actionPayload(ctx context.Context, kind model.ActionKind, data InteractionData) (map[string]string, error) {
	switch kind {
	case model.ActionPost:
		text := strings.TrimSpace(data.Option("text"))
		if text == "" {
			return nil, apperrors.MissingRequired("text")
		}
		return map[string]string{"text": text}, nil
	case model.ActionLike, model.ActionUnlike, model.ActionRepost, model.ActionUnrepost:
		uri := strings.TrimSpace(data.Option("uri"))
		if uri == "" {
			return nil, apperrors.MissingRequired("uri")
		}
		return map[string]string{"uri": uri, "cid": data.Option("cid")}, nil
	default:
		subject := strings.TrimSpace(data.Option("subject"))
		if subject == "" {
			return nil, apperrors.MissingRequired("subject")
		}
		if !strings.HasPrefix(subject, "did:") {
			did, err := h.agent.ResolveHandle(ctx, strings.TrimPrefix(subject, "@"))
			if err != nil {
				return nil, err
			}
			subject = did
		}
		return map[string]string{"did": subject}, nil
	}
}

// beginGated opens a challenge for the targeted account and either executes
// immediately or renders the security prompt for what is still owed.
func (h *InteractionsHandler) beginGated(ctx context.Context, in *Interaction, kind model.ActionKind, payload map[string]string) *InteractionResponse {
	rec, err := h.accounts.Resolve(ctx, in.GuildID, in.Data.Option("account"))
	if err != nil {
		return renderError(err)
	}

	decision, err := h.gate.Begin(ctx, in.GuildID, rec.ActorDID, kind, payload)
	if err != nil {
		return renderError(err)
	}

	if decision.Grant != nil {
		// rotation into group custody still owes a brand-new key even when
		// nothing guards the current one
		if kind == model.ActionRotate && payload["target"] == string(model.PolicyGroup) {
			return rotateModal(decision.Challenge)
		}
		return h.executeGranted(ctx, decision.Grant, "", "", "")
	}

	if kind == model.ActionRotate && payload["target"] == string(model.PolicyGroup) {
		return rotateModal(decision.Challenge)
	}
	return securityModal(decision.Challenge)
}

func (h *InteractionsHandler) handleComponent(r *http.Request, in *Interaction) *InteractionResponse {
	ctx := r.Context()
	customID := in.Data.CustomID

	switch {
	case customID == "accounts:default":
		if len(in.Data.Values) == 0 {
			return errorResponse("No account selected.")
		}
		if err := h.accounts.SetDefault(ctx, in.GuildID, in.Data.Values[0]); err != nil {
			return renderError(err)
		}
		return messageResponse("Default account updated.")

	case strings.HasPrefix(customID, "retry:"):
		id := strings.TrimPrefix(customID, "retry:")
		ch, err := h.gate.Lookup(ctx, id)
		if err != nil {
			return renderError(err)
		}
		if ch == nil {
			return errorResponse("That prompt has expired. Run the command again.")
		}
		if ch.Action == model.ActionRotate && ch.Payload["target"] == string(model.PolicyGroup) {
			return rotateModal(ch)
		}
		return securityModal(ch)

	case strings.HasPrefix(customID, "mfa:confirm:"):
		actorDID := strings.TrimPrefix(customID, "mfa:confirm:")
		rec, err := h.accounts.Resolve(ctx, in.GuildID, actorDID)
		if err != nil {
			return renderError(err)
		}
		return mfaConfirmModal(actorDID, rec.Custody().Policy() == model.PolicyGroup)

	default:
		log.Warn().Str("customId", customID).Msg("unhandled component interaction")
		return errorResponse("Unsupported interaction")
	}
}

func (h *InteractionsHandler) handleModalSubmit(r *http.Request, in *Interaction) *InteractionResponse {
	ctx := r.Context()
	customID := in.Data.CustomID

	switch {
	case strings.HasPrefix(customID, "security:"):
		id := strings.TrimPrefix(customID, "security:")
		key := in.Data.Input("key")
		code := in.Data.Input("code")
		newKey := in.Data.Input("new_key")

		grant, err := h.gate.Submit(ctx, id, key, code)
		if err != nil {
			return h.renderRejection(ctx, id, err)
		}
		return h.executeGranted(ctx, grant, key, code, newKey)

	case strings.HasPrefix(customID, "mfa:verify:"):
		actorDID := strings.TrimPrefix(customID, "mfa:verify:")
		return h.confirmEnrollment(ctx, in, actorDID)

	default:
		log.Warn().Str("customId", customID).Msg("unhandled modal submission")
		return errorResponse("Unsupported interaction")
	}
}

// renderRejection re-renders the prompt for a failed attempt. The challenge
// survives, so the retry button reopens the same modal with the same needs.
func (h *InteractionsHandler) renderRejection(ctx context.Context, challengeID string, cause error) *InteractionResponse {
	ch, err := h.gate.Lookup(ctx, challengeID)
	if err != nil || ch == nil {
		return renderError(cause)
	}
	return retryResponse(ch, apperrors.GetMessage(cause))
}

// executeGranted dispatches an authorized challenge to whatever carries it
// out. key and code are the secrets the operator just supplied; they are
// passed through, never persisted.
func (h *InteractionsHandler) executeGranted(ctx context.Context, grant *gate.Grant, key, code, newKey string) *InteractionResponse {
	ch := grant.Challenge

	switch ch.Action {
	case model.ActionSignOut:
		if err := h.accounts.SignOut(ctx, grant); err != nil {
			return renderError(err)
		}
		h.gate.Executed(ctx, ch)
		return messageResponse("Signed out and removed the stored session.")

	case model.ActionRotate:
		target := model.Policy(ch.Payload["target"])
		if target == model.PolicyGroup && newKey == "" {
			return renderError(apperrors.MissingRequired("New decryption key"))
		}
		if _, err := h.vault.Rotate(ctx, grant.Record, target, key, newKey); err != nil {
			return renderError(err)
		}
		h.gate.Executed(ctx, ch)
		audit.Log(ctx, audit.Event{
			Type:     audit.EventPolicyRotate,
			GuildID:  ch.GuildID,
			ActorDID: ch.ActorDID,
			Details:  map[string]interface{}{"target": string(target)},
		})
		msg := "Re-encrypted the session under a fresh system key."
		if target == model.PolicyGroup {
			msg = "Re-encrypted the session under the new group key. Automatic reposts are now off."
		}
		return messageResponse(msg)

	case model.ActionMFAToggle:
		return h.executeMFAToggle(ctx, grant, key, code)

	case model.ActionAutoSetup:
		channels := splitList(ch.Payload["channels"])
		if err := h.automation.SetChannels(ctx, ch.GuildID, ch.ActorDID, channels); err != nil {
			return renderError(err)
		}
		h.gate.Executed(ctx, ch)
		if len(channels) == 0 {
			return messageResponse("Automatic reposts disabled.")
		}
		return messageResponse(fmt.Sprintf("Automatic reposts enabled for %d channel(s).", len(channels)))

	default:
		result, err := h.actions.Execute(ctx, h.gate, grant)
		if err != nil {
			return renderError(err)
		}
		return actionSuccess(result)
	}
}

func actionSuccess(result *service.ActionResult) *InteractionResponse {
	if result.Action == model.ActionPost && result.Ref != nil {
		return messageResponse("Posted: " + result.Ref.URI)
	}
	return messageResponse("Done: " + string(result.Action) + ".")
}

func renderError(err error) *InteractionResponse {
	return errorResponse(apperrors.GetMessage(err))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// stagedEnrollment is the unconfirmed TOTP secret parked in redis between
// the enroll response and the confirmation modal.
type stagedEnrollment struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
}

func (h *InteractionsHandler) handleMFACommand(r *http.Request, in *Interaction) *InteractionResponse {
	ctx := r.Context()
	mode := in.Data.Option("mode")

	switch mode {
	case "enable":
		return h.beginGated(ctx, in, model.ActionMFAToggle, map[string]string{"mode": "enable"})
	case "disable":
		return h.beginGated(ctx, in, model.ActionMFAToggle, map[string]string{"mode": "disable"})
	default:
		return errorResponse("Mode must be enable or disable.")
	}
}

func (h *InteractionsHandler) executeMFAToggle(ctx context.Context, grant *gate.Grant, key, code string) *InteractionResponse {
	ch := grant.Challenge
	rec := grant.Record

	switch ch.Payload["mode"] {
	case "enable":
		name := rec.ActorDID
		if grant.Session != nil && grant.Session.Handle != "" {
			name = grant.Session.Handle
		}
		enrollment, err := h.guard.Enroll(rec, name)
		if err != nil {
			return renderError(err)
		}
		raw, err := json.Marshal(stagedEnrollment{Secret: enrollment.Secret, URI: enrollment.URI})
		if err != nil {
			return renderError(err)
		}
		if err := h.rdb.Set(ctx, redis.EnrollmentKey(ch.GuildID, ch.ActorDID), raw, config.MFAEnrollmentTTL).Err(); err != nil {
			return renderError(err)
		}
		h.gate.Executed(ctx, ch)
		return mfaEnrollResponse(ch.ActorDID, enrollment.Secret, enrollment.URI)

	case "disable":
		if _, err := h.guard.Disable(ctx, rec, code, key); err != nil {
			return renderError(err)
		}
		h.gate.Executed(ctx, ch)
		audit.Log(ctx, audit.Event{
			Type:     audit.EventMFADisable,
			GuildID:  ch.GuildID,
			ActorDID: ch.ActorDID,
		})
		return messageResponse("Multi-factor authentication disabled.")

	default:
		return errorResponse("Mode must be enable or disable.")
	}
}

// confirmEnrollment finishes enrollment with the first authenticator code.
func (h *InteractionsHandler) confirmEnrollment(ctx context.Context, in *Interaction, actorDID string) *InteractionResponse {
	rec, err := h.accounts.Resolve(ctx, in.GuildID, actorDID)
	if err != nil {
		return renderError(err)
	}

	stagedKey := redis.EnrollmentKey(in.GuildID, actorDID)
	raw, err := h.rdb.Get(ctx, stagedKey).Bytes()
	if err != nil {
		return errorResponse("Enrollment expired. Run /mfa enable again.")
	}
	var staged stagedEnrollment
	if err := json.Unmarshal(raw, &staged); err != nil {
		return renderError(err)
	}

	if _, err := h.guard.ConfirmEnrollment(ctx, rec, staged.Secret, in.Data.Input("code"), in.Data.Input("key")); err != nil {
		return renderError(err)
	}
	h.rdb.Del(ctx, stagedKey)

	audit.Log(ctx, audit.Event{
		Type:     audit.EventMFAEnroll,
		GuildID:  in.GuildID,
		ActorDID: actorDID,
	})
	return messageResponse("Multi-factor authentication enabled.")
}

// rotateModal is the security modal plus the new-key input a move to group
// custody requires. The new key exists only inside this round trip.
func rotateModal(ch *gate.Challenge) *InteractionResponse {
	resp := securityModal(ch)
	resp.Data.Components = append(resp.Data.Components, textInput("new_key", "New decryption key", true))
	return resp
}
