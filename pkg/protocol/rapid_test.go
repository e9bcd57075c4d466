package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Any envelope with a known type survives an encode/decode cycle intact.
func TestEnvelopeRoundTripProperty(t *testing.T) {
	types := make([]MessageType, 0, len(knownTypes))
	for mt := range knownTypes {
		types = append(types, mt)
	}

	rapid.Check(t, func(t *rapid.T) {
		orig := &Envelope{
			From:            rapid.String().Draw(t, "from"),
			FromDisplayName: rapid.String().Draw(t, "fromDisplayName"),
			To:              rapid.String().Draw(t, "to"),
			Content:         rapid.String().Draw(t, "content"),
			Type:            rapid.SampledFrom(types).Draw(t, "type"),
			CreatedAt: time.UnixMilli(
				rapid.Int64Range(0, 4102444800000).Draw(t, "createdAt")).UTC(),
		}

		raw, err := orig.Encode()
		require.NoError(t, err)

		got, err := Decode(raw)
		require.NoError(t, err)
		require.Equal(t, orig, got)
	})
}

// Decode never panics, whatever bytes arrive from the network.
func TestDecodeNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOf(rapid.Byte()).Draw(t, "raw")
		env, err := Decode(raw)
		if err == nil {
			require.True(t, env.Type.Known())
		}
	})
}
