package reconcile

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MessageContext is the per-message execution context. One is built for every
// message and passed explicitly down the pipeline; nothing about a message is
// kept in package state.
type MessageContext struct {
	MessageID string
	Msg       CostVerificationMessage
	Log       zerolog.Logger
	StartedAt time.Time
}

// NewMessageContext builds the context and its child logger.
func NewMessageContext(messageID string, msg CostVerificationMessage) *MessageContext {
	lc := log.With().Str("message_id", messageID)
	if msg.GenerationID != "" {
		lc = lc.Str("generation_id", msg.GenerationID)
	}
	if msg.ReservationID != "" {
		lc = lc.Str("reservation_id", msg.ReservationID)
	}
	if msg.WorkspaceID != "" {
		lc = lc.Str("workspace_id", msg.WorkspaceID)
	}
	return &MessageContext{
		MessageID: messageID,
		Msg:       msg,
		Log:       lc.Logger(),
		StartedAt: time.Now(),
	}
}
