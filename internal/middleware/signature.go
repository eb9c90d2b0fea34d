package middleware

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

type contextKey string

const InteractionBodyContextKey contextKey = "interactionBody"

// GetInteractionBody returns the verified raw interaction payload.
func GetInteractionBody(ctx context.Context) []byte {
	body, _ := ctx.Value(InteractionBodyContextKey).([]byte)
	return body
}

// SignatureMiddleware verifies the chat platform's ed25519 webhook
// signature. The signed message is the timestamp header concatenated with
// the raw body. Unsigned or tampered requests never reach a handler.
type SignatureMiddleware struct {
	publicKey ed25519.PublicKey
}

func NewSignatureMiddleware(hexKey string) (*SignatureMiddleware, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &SignatureMiddleware{publicKey: ed25519.PublicKey(raw)}, nil
}

func (m *SignatureMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.Header.Get("X-Signature-Ed25519")
		timestamp := r.Header.Get("X-Signature-Timestamp")
		if signature == "" || timestamp == "" {
			log.Warn().Msg("signature middleware: missing signature headers")
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing signature",
			})
			return
		}

		sig, err := hex.DecodeString(signature)
		if err != nil || len(sig) != ed25519.SignatureSize {
			log.Warn().Msg("signature middleware: malformed signature")
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid signature",
			})
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Error().Err(err).Msg("signature middleware: failed to read body")
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "Failed to read request body",
			})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		message := append([]byte(timestamp), body...)
		if !ed25519.Verify(m.publicKey, message, sig) {
			log.Warn().Msg("signature middleware: invalid signature")
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid signature",
			})
			return
		}

		ctx := context.WithValue(r.Context(), InteractionBodyContextKey, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
