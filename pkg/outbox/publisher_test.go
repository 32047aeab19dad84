package outbox

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestValidateMessage(t *testing.T) {
	t.Parallel()

	valid := Message{
		AggregateType: "assignment",
		AggregateID:   uuid.NewString(),
		Topic:         "workflow.assignment.created.v1",
		EventID:       uuid.New(),
		Payload:       []byte(`{}`),
	}
	require.NoError(t, validateMessage(valid))

	cases := map[string]func(m *Message){
		"event id":  func(m *Message) { m.EventID = uuid.Nil },
		"topic":     func(m *Message) { m.Topic = "" },
		"aggregate": func(m *Message) { m.AggregateID = "" },
		"payload":   func(m *Message) { m.Payload = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := valid
			mutate(&m)
			require.ErrorIs(t, validateMessage(m), ErrInvalidConfig)
		})
	}
}
