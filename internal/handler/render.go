package handler

import (
	"fmt"

	"github.com/skyflock/skyflock/internal/gate"
	"github.com/skyflock/skyflock/internal/service"
)

// Render helpers build interaction response payloads. A rejected challenge
// is re-rendered with its inputs re-enabled so the operator retries in place
// instead of restarting the command.

func messageResponse(content string) *InteractionResponse {
	return &InteractionResponse{
		Type: ResponseMessage,
		Data: &ResponseData{Content: content, Flags: MessageFlagEphemeral},
	}
}

func errorResponse(message string) *InteractionResponse {
	return messageResponse("❌ " + message)
}

func textInput(customID, label string, required bool) Component {
	return Component{
		Type: ComponentActionRow,
		Components: []Component{{
			Type:     ComponentTextInput,
			CustomID: customID,
			Label:    label,
			Style:    TextInputShort,
			Required: required,
		}},
	}
}

// securityModal prompts for exactly what the challenge still owes: the group
// key input appears only for group-keyed records, the code input only for
// enrolled accounts.
func securityModal(ch *gate.Challenge) *InteractionResponse {
	var rows []Component
	if ch.NeedsKey {
		rows = append(rows, textInput("key", "Decryption key", true))
	}
	if ch.NeedsTOTP {
		rows = append(rows, textInput("code", "Authenticator code", true))
	}
	return &InteractionResponse{
		Type: ResponseModal,
		Data: &ResponseData{
			CustomID:   "security:" + ch.ID,
			Title:      "Authorize " + string(ch.Action),
			Components: rows,
		},
	}
}

// retryResponse reports the rejection and offers a button that reopens the
// security modal for the same challenge.
func retryResponse(ch *gate.Challenge, message string) *InteractionResponse {
	return &InteractionResponse{
		Type: ResponseMessage,
		Data: &ResponseData{
			Content: "❌ " + message,
			Flags:   MessageFlagEphemeral,
			Components: []Component{{
				Type: ComponentActionRow,
				Components: []Component{{
					Type:     ComponentButton,
					CustomID: "retry:" + ch.ID,
					Label:    "Try again",
					Style:    ButtonPrimary,
				}},
			}},
		},
	}
}

// accountList renders the guild's linked accounts with a selector that moves
// the default flag.
func accountList(infos []service.AccountInfo) *InteractionResponse {
	if len(infos) == 0 {
		return messageResponse("No accounts are linked in this server. Use /link to add one.")
	}

	content := "Linked accounts:\n"
	options := make([]SelectOption, 0, len(infos))
	for _, info := range infos {
		marker := ""
		if info.IsDefault {
			marker = " (default)"
		}
		mfaState := ""
		if info.HasTOTP {
			mfaState = ", MFA on"
		}
		content += fmt.Sprintf("• @%s%s — %s custody%s\n", info.Handle, marker, info.Policy, mfaState)
		options = append(options, SelectOption{
			Label:   "@" + info.Handle,
			Value:   info.ActorDID,
			Default: info.IsDefault,
		})
	}

	return &InteractionResponse{
		Type: ResponseMessage,
		Data: &ResponseData{
			Content: content,
			Flags:   MessageFlagEphemeral,
			Components: []Component{{
				Type: ComponentActionRow,
				Components: []Component{{
					Type:        ComponentSelectMenu,
					CustomID:    "accounts:default",
					Placeholder: "Set default account",
					Options:     options,
				}},
			}},
		},
	}
}

// mfaEnrollResponse shows the provisioning secret and a button that opens
// the confirmation modal.
func mfaEnrollResponse(actorDID, secret, uri string) *InteractionResponse {
	return &InteractionResponse{
		Type: ResponseMessage,
		Data: &ResponseData{
			Content: fmt.Sprintf(
				"Scan this in your authenticator app, then confirm with the first code.\n\nSecret: `%s`\n%s",
				secret, uri),
			Flags: MessageFlagEphemeral,
			Components: []Component{{
				Type: ComponentActionRow,
				Components: []Component{{
					Type:     ComponentButton,
					CustomID: "mfa:confirm:" + actorDID,
					Label:    "Enter code",
					Style:    ButtonPrimary,
				}},
			}},
		},
	}
}

// mfaConfirmModal collects the first authenticator code. Group-keyed records
// also need the key again: it is never stored between interactions.
func mfaConfirmModal(actorDID string, needsKey bool) *InteractionResponse {
	rows := []Component{textInput("code", "Authenticator code", true)}
	if needsKey {
		rows = append([]Component{textInput("key", "Decryption key", true)}, rows...)
	}
	return &InteractionResponse{
		Type: ResponseModal,
		Data: &ResponseData{
			CustomID:   "mfa:verify:" + actorDID,
			Title:      "Confirm authenticator",
			Components: rows,
		},
	}
}
