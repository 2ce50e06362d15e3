package consumer

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"example.com/magnifisica/internal/events"
)

type recordingInvalidator struct {
	activity    []string
	memberships []string
}

func (r *recordingInvalidator) ActivityChanged(userID string)    { r.activity = append(r.activity, userID) }
func (r *recordingInvalidator) MembershipsChanged(userID string) { r.memberships = append(r.memberships, userID) }

func newHandler(t *testing.T) (*InvalidationHandler, *recordingInvalidator) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	invalidator := &recordingInvalidator{}
	return NewInvalidationHandler(invalidator, "instance-a", logger), invalidator
}

func TestInvalidationHandlerMapsEvents(t *testing.T) {
	handler, invalidator := newHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.Handle(ctx, Message{
		EventType: events.TypeActivityRecorded,
		Origin:    "instance-b",
		Payload:   []byte(`{"entry_id":"e1","user_id":"u1","distance_meters":2000}`),
	}))
	require.NoError(t, handler.Handle(ctx, Message{
		EventType: events.TypeMembershipChanged,
		Origin:    "instance-b",
		Payload:   []byte(`{"membership_id":"m1","user_id":"u2","change":"joined"}`),
	}))

	require.Equal(t, []string{"u1"}, invalidator.activity)
	require.Equal(t, []string{"u2"}, invalidator.memberships)
}

func TestInvalidationHandlerSkipsOwnAndUnknownEvents(t *testing.T) {
	handler, invalidator := newHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.Handle(ctx, Message{
		EventType: events.TypeActivityRecorded,
		Origin:    "instance-a",
		Payload:   []byte(`{"user_id":"u1"}`),
	}))
	require.NoError(t, handler.Handle(ctx, Message{EventType: "exercise.upserted", Payload: []byte(`{}`)}))

	require.Empty(t, invalidator.activity)
	require.Empty(t, invalidator.memberships)
}

func TestInvalidationHandlerRejectsBadPayloads(t *testing.T) {
	handler, invalidator := newHandler(t)
	ctx := context.Background()

	err := handler.Handle(ctx, Message{EventType: events.TypeActivityRecorded, Payload: []byte(`{"user_id":1}`)})
	require.Error(t, err)
	err = handler.Handle(ctx, Message{EventType: events.TypeMembershipChanged, Payload: []byte(`{"membership_id":"m1"}`)})
	require.ErrorContains(t, err, "missing user_id")

	require.Empty(t, invalidator.activity)
	require.Empty(t, invalidator.memberships)
}
