package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

// Envelope framing is exercised directly against a buffer; the
// QUIC-dialing path needs a live UDP socket and is not exercised by
// the package tests (the swim/raft tests bypass the transport too).

func TestEnvelopeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload, _ := json.Marshal(map[string]string{"hello": "world"})
	in := Envelope{Kind: KindSWIM, ClusterID: "c1", SenderNodeID: "n1", Payload: payload}

	if err := writeEnvelope(&buf, in); err != nil {
		t.Fatal(err)
	}
	out, err := readEnvelope(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != in.Kind || out.ClusterID != in.ClusterID || out.SenderNodeID != in.SenderNodeID {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
	if string(out.Payload) != string(in.Payload) {
		t.Fatalf("payload mismatch: %s != %s", out.Payload, in.Payload)
	}
}

func TestReadEnvelopeRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	big := make([]byte, maxFrameSize+1)
	var lenPrefix [4]byte
	lenPrefix[0] = byte(len(big) >> 24)
	lenPrefix[1] = byte(len(big) >> 16)
	lenPrefix[2] = byte(len(big) >> 8)
	lenPrefix[3] = byte(len(big))
	buf.Write(lenPrefix[:])
	if _, err := readEnvelope(&buf); err == nil {
		t.Fatalf("expected oversized frame to be rejected")
	}
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	raw := errorPayload(errors.New("boom"))
	msg, isErr := asErrorPayload(raw)
	if !isErr || msg != "boom" {
		t.Fatalf("expected error payload to decode, got %q isErr=%v", msg, isErr)
	}
}
