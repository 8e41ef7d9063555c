package wire

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadforge/loadsched/internal/model"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload, err := json.Marshal(&JobRequest{
		JobID:            "job-1",
		ClassName:        "com.example.HTTPLoad",
		StartTime:        1722470400000,
		ThreadsPerClient: 4,
		ClientNumber:     1,
		Parameters: []model.Parameter{
			{Name: "url", Type: model.ParameterTypeString, Value: "http://target"},
		},
	})
	require.NoError(t, err)

	original := &Envelope{
		MessageID: 42,
		TypeTag:   KindJobRequest,
		Payload:   payload,
		Extras:    map[string]string{"trace_id": "abc123"},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, original))

	decoded, err := ReadEnvelope(&buf)
	require.NoError(t, err)
	assert.Equal(t, original.MessageID, decoded.MessageID)
	assert.Equal(t, original.TypeTag, decoded.TypeTag)
	assert.JSONEq(t, string(original.Payload), string(decoded.Payload))
	assert.Equal(t, original.Extras, decoded.Extras)

	// Re-encoding the decoded envelope yields byte-identical framing.
	var buf2 bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf2, original))
	var buf3 bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf3, decoded))
	assert.Equal(t, buf2.Bytes(), buf3.Bytes())
}

func TestUnknownPayloadPropertiesSurviveRoundTrip(t *testing.T) {
	// A sender may include payload properties this side does not model;
	// they must survive decode/re-encode untouched.
	raw := json.RawMessage(`{"job_id":"j1","future_property":"kept"}`)
	env := &Envelope{MessageID: 1, TypeTag: KindJobResponse, Payload: raw}

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))
	decoded, err := ReadEnvelope(&buf)
	require.NoError(t, err)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(decoded.Payload, &payload))
	assert.Equal(t, "kept", payload["future_property"])
}

func TestReadEnvelopeRejectsOversizedFrame(t *testing.T) {
	var frame [4]byte
	frame[0] = 0xFF
	frame[1] = 0xFF
	frame[2] = 0xFF
	frame[3] = 0xFF
	_, err := ReadEnvelope(bytes.NewReader(frame[:]))
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "frame_length_out_of_range", decodeErr.Reason)
}

func TestReadEnvelopeRejectsMalformedJSON(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 3})
	buf.WriteString("{{{")
	_, err := ReadEnvelope(&buf)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "malformed_envelope", decodeErr.Reason)
}

func TestReadEnvelopeEOFBetweenFrames(t *testing.T) {
	_, err := ReadEnvelope(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)
}

func TestRequireString(t *testing.T) {
	payload := map[string]interface{}{"job_id": "j1", "count": 3.0}

	v, err := RequireString(payload, "job_id")
	require.NoError(t, err)
	assert.Equal(t, "j1", v)

	_, err = RequireString(payload, "missing")
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "missing_property:missing", decodeErr.Reason)

	_, err = RequireString(payload, "count")
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "wrong_type:count", decodeErr.Reason)
}

func TestTCPClientConnCarriesEnvelopes(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	server := NewTCPClientConn(serverSide)
	client := NewTCPClientConn(clientSide)
	defer server.Close()
	defer client.Close()

	sent := &Envelope{
		MessageID: 7,
		TypeTag:   KindKeepAlive,
		Payload:   json.RawMessage(`{}`),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- client.Send(sent) }()

	received, err := server.Receive()
	require.NoError(t, err)
	assert.Equal(t, sent.MessageID, received.MessageID)
	assert.Equal(t, KindKeepAlive, received.TypeTag)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send never completed")
	}
}
