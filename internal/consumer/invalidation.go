package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"example.com/magnifisica/internal/domain"
	"example.com/magnifisica/internal/events"
)

// InvalidationHandler turns change events published by other instances into local cache
// invalidations.
type InvalidationHandler struct {
	invalidator domain.ViewInvalidator
	origin      string
	logger      logrus.FieldLogger
}

// NewInvalidationHandler constructs the handler. Events whose origin equals origin were already
// applied locally and are skipped.
func NewInvalidationHandler(invalidator domain.ViewInvalidator, origin string, logger logrus.FieldLogger) *InvalidationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &InvalidationHandler{invalidator: invalidator, origin: origin, logger: logger}
}

// Handle implements Handler.
func (h *InvalidationHandler) Handle(_ context.Context, msg Message) error {
	if h.origin != "" && msg.Origin == h.origin {
		recordSkipped("own_origin")
		return nil
	}

	switch msg.EventType {
	case events.TypeActivityRecorded:
		var event events.ActivityRecorded
		if err := decodePayload(msg, &event, func() string { return event.UserID }); err != nil {
			return err
		}
		h.invalidator.ActivityChanged(event.UserID)
	case events.TypeMembershipChanged:
		var event events.MembershipChanged
		if err := decodePayload(msg, &event, func() string { return event.UserID }); err != nil {
			return err
		}
		h.invalidator.MembershipsChanged(event.UserID)
	default:
		recordSkipped("unknown_type")
		h.logger.WithField("event_type", msg.EventType).Debug("ignoring event")
	}
	return nil
}

func decodePayload(msg Message, target any, userID func() string) error {
	if err := json.Unmarshal(msg.Payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", msg.EventType, err)
	}
	if strings.TrimSpace(userID()) == "" {
		return fmt.Errorf("decode %s: missing user_id", msg.EventType)
	}
	return nil
}
