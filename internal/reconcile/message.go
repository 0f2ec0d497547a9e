package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/compresr/credit-reconciler/internal/conversation"
	"github.com/compresr/credit-reconciler/internal/reservation"
	"github.com/compresr/credit-reconciler/internal/retry"
)

// ErrInvalidMessage marks a payload that can never be processed.
var ErrInvalidMessage = errors.New("reconcile: invalid message")

// Message is one inbound queue message.
type Message struct {
	ID   string
	Body []byte
}

// CostVerificationMessage is the queue payload.
type CostVerificationMessage struct {
	MessageID      string `json:"messageId,omitempty"` // replay files only
	ReservationID  string `json:"reservationId,omitempty"`
	GenerationID   string `json:"generationId"`
	WorkspaceID    string `json:"workspaceId"`
	ConversationID string `json:"conversationId,omitempty"`
	AgentID        string `json:"agentId,omitempty"`
}

// ParseMessage decodes and validates a payload. Failures wrap ErrInvalidMessage.
func ParseMessage(body []byte) (CostVerificationMessage, error) {
	var m CostVerificationMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// Validate checks required fields.
func (m CostVerificationMessage) Validate() error {
	var missing []string
	if strings.TrimSpace(m.GenerationID) == "" {
		missing = append(missing, "generationId")
	}
	if strings.TrimSpace(m.WorkspaceID) == "" {
		missing = append(missing, "workspaceId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidMessage, strings.Join(missing, ", "))
	}
	return nil
}

// HasReservation reports whether the message settles a reservation.
func (m CostVerificationMessage) HasReservation() bool {
	return m.ReservationID != ""
}

// ConversationRef returns the conversation to annotate, if the message names one.
func (m CostVerificationMessage) ConversationRef() (conversation.Ref, bool) {
	ref := conversation.Ref{WorkspaceID: m.WorkspaceID, AgentID: m.AgentID, ConversationID: m.ConversationID}
	return ref, ref.Validate() == nil
}

// IsPermanent reports whether a failed message has no value in redelivery.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, reservation.ErrReservationNotFound) ||
		errors.Is(err, reservation.ErrCostOverflow) ||
		retry.IsPermanent(err)
}
