package mastercm

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

// SlaveDelta is one fragment of a slave's commit as it travels over the
// (out-of-scope) session layer, msgpack-encoded the same way the rest of
// this codebase's RPC envelopes are.
type SlaveDelta struct {
	CommitID CommitID
	From     NodeID
	Index    int
	Total    int
	Chunk    []byte
}

// VersionAnnounce is what AddOldMaster sends a newly enrolled subscriber:
// the master's current version.
type VersionAnnounce struct {
	Version Version
}

var msgpackHandle codec.MsgpackHandle

// EncodeSlaveDelta msgpack-encodes a SlaveDelta for transmission.
func EncodeSlaveDelta(d SlaveDelta) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &msgpackHandle)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("mastercm: encode slave delta: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSlaveDelta decodes a msgpack-encoded SlaveDelta.
func DecodeSlaveDelta(data []byte) (SlaveDelta, error) {
	var d SlaveDelta
	dec := codec.NewDecoder(bytes.NewReader(data), &msgpackHandle)
	if err := dec.Decode(&d); err != nil {
		return SlaveDelta{}, fmt.Errorf("mastercm: decode slave delta: %w", err)
	}
	return d, nil
}

// EncodeVersionAnnounce msgpack-encodes a version announcement.
func EncodeVersionAnnounce(v Version) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &msgpackHandle)
	if err := enc.Encode(VersionAnnounce{Version: v}); err != nil {
		return nil, fmt.Errorf("mastercm: encode version announce: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeVersionAnnounce decodes a msgpack-encoded version announcement.
func DecodeVersionAnnounce(data []byte) (Version, error) {
	var a VersionAnnounce
	dec := codec.NewDecoder(bytes.NewReader(data), &msgpackHandle)
	if err := dec.Decode(&a); err != nil {
		return 0, fmt.Errorf("mastercm: decode version announce: %w", err)
	}
	return a.Version, nil
}
