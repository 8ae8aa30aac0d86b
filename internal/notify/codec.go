package notify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec serializes events for transport sinks.
type Codec interface {
	Encode(ev Event) ([]byte, error)
	Decode(data []byte) (Event, error)
	ContentType() string
}

type JSONCodec struct{}

func (JSONCodec) Encode(ev Event) ([]byte, error) { return json.Marshal(ev) }

func (JSONCodec) Decode(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

func (JSONCodec) ContentType() string { return "application/json" }

// CBORCodec encodes events compactly with RFC 3339 timestamps.
type CBORCodec struct {
	enc cbor.EncMode
}

func NewCBORCodec() (*CBORCodec, error) {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		return nil, err
	}
	return &CBORCodec{enc: em}, nil
}

func (c *CBORCodec) Encode(ev Event) ([]byte, error) { return c.enc.Marshal(ev) }

func (c *CBORCodec) Decode(data []byte) (Event, error) {
	var ev Event
	err := cbor.Unmarshal(data, &ev)
	return ev, err
}

func (c *CBORCodec) ContentType() string { return "application/cbor" }

// CodecByName returns the codec for "json" (default) or "cbor".
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("notify: unknown codec %q", name)
	}
}
