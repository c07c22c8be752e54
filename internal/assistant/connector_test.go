package assistant

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sourceOf(events []DeltaEvent, end error) func() (DeltaEvent, error) {
	i := 0
	return func() (DeltaEvent, error) {
		if i < len(events) {
			ev := events[i]
			i++
			return ev, nil
		}
		return nil, end
	}
}

func drain(t *testing.T, s Stream) []DeltaEvent {
	t.Helper()
	var out []DeltaEvent
	for {
		ev, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestGuardedStream_StopsAfterTerminal(t *testing.T) {
	t.Parallel()

	s := newGuardedStream(sourceOf([]DeltaEvent{
		TextCreated{}, TextDelta{Value: "a"}, TextDone{Text: "a"}, TextDelta{Value: "late"},
	}, io.EOF), nil)

	assert.Equal(t, []DeltaEvent{TextCreated{}, TextDelta{Value: "a"}, TextDone{Text: "a"}}, drain(t, s))
	_, err := s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestGuardedStream_TransportErrorBecomesRunError(t *testing.T) {
	t.Parallel()

	s := newGuardedStream(sourceOf([]DeltaEvent{TextCreated{}, TextDelta{Value: "a"}}, errors.New("connection reset")), nil)

	assert.Equal(t, []DeltaEvent{
		TextCreated{}, TextDelta{Value: "a"}, RunError{Message: "connection reset"},
	}, drain(t, s))
}

func TestGuardedStream_EarlyEOF(t *testing.T) {
	t.Parallel()

	s := newGuardedStream(sourceOf([]DeltaEvent{TextCreated{}}, io.EOF), nil)

	assert.Equal(t, []DeltaEvent{TextCreated{}, RunError{Message: ErrUnexpectedEnd.Error()}}, drain(t, s))
}

func TestGuardedStream_CloseOnce(t *testing.T) {
	t.Parallel()

	closes := 0
	s := newGuardedStream(sourceOf(nil, io.EOF), func() error {
		closes++
		return nil
	})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, closes)

	_, err := s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestQueue_FlattensBatches(t *testing.T) {
	t.Parallel()

	batches := [][]DeltaEvent{{TextCreated{}, TextDelta{Value: "a"}}, nil, {TextDone{Text: "a"}}}
	q := &queue{fill: func() ([]DeltaEvent, error) {
		if len(batches) == 0 {
			return nil, io.EOF
		}
		b := batches[0]
		batches = batches[1:]
		return b, nil
	}}

	assert.Equal(t, []DeltaEvent{TextCreated{}, TextDelta{Value: "a"}, TextDone{Text: "a"}}, drain(t, newGuardedStream(q.next, nil)))
}

func TestJoinNonEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		parts []string
		want  string
	}{
		{parts: nil, want: ""},
		{parts: []string{"", "  "}, want: ""},
		{parts: []string{"You are a nutrition assistant.", ""}, want: "You are a nutrition assistant."},
		{parts: []string{"", "Patient in consultation: Maria"}, want: "Patient in consultation: Maria"},
		{
			parts: []string{"You are a nutrition assistant.", "Patient in consultation: Maria"},
			want:  "You are a nutrition assistant.\n\nPatient in consultation: Maria",
		},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, joinNonEmpty(tt.parts...), "%q", tt.parts)
	}
}
