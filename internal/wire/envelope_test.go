package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeCommandEnvelope(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"command","sessionId":"S1","seq":4,"commandId":"C1","kind":"scan_qr","payload":{"attempts":2}}`)
	env, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, TypeCommand, env.Type)
	require.Equal(t, "S1", env.SessionID)
	require.EqualValues(t, 4, env.Seq)
	require.Equal(t, "C1", env.CommandID)
	require.Equal(t, "scan_qr", env.Kind)
	require.JSONEq(t, `{"attempts":2}`, string(env.Payload))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":         ``,
		"not json":      `{"type":`,
		"unknown type":  `{"type":"bogus","seq":1}`,
		"negative seq":  `{"type":"ack","seq":-1}`,
		"command no id": `{"type":"command","seq":1,"kind":"ping"}`,
	}
	for name, raw := range cases {
		_, err := Decode([]byte(raw))
		var de *DecodeError
		require.True(t, errors.As(err, &de), name)
	}
}

func TestEncodeHandshakeWithResume(t *testing.T) {
	t.Parallel()

	env, err := New(TypeHandshake, "S1", 9, HandshakeRequest{
		DeviceID: "dev-1",
		Resume:   &ResumeToken{SessionID: "S1", LastSeenSeq: 42, ReplayFrom: 43},
	})
	require.NoError(t, err)
	data, err := Encode(env)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(data, &generic))
	require.Equal(t, "handshake", generic["type"])
	payload := generic["payload"].(map[string]any)
	resume := payload["resume"].(map[string]any)
	require.EqualValues(t, 43, resume["replayFrom"])
}

func TestDecodePayloadErrors(t *testing.T) {
	t.Parallel()

	env := Envelope{Type: TypeAck}
	var ack AckPayload
	var de *DecodeError
	require.True(t, errors.As(env.DecodePayload(&ack), &de))

	env.Payload = json.RawMessage(`{"of":"heartbeat","seq":3}`)
	require.NoError(t, env.DecodePayload(&ack))
	require.Equal(t, AckOfHeartbeat, ack.Of)
	require.EqualValues(t, 3, ack.Seq)
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	t.Parallel()

	_, err := Encode(Envelope{Type: "nope"})
	require.Error(t, err)
}
