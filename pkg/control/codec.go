package control

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/agentharbor/agentfs/pkg/errors"
)

// Codec serializes control envelopes.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// CBOR encodes with Core Deterministic Encoding, so equal envelopes
	// produce equal bytes.
	CBOR Codec = newCBORCodec()
	// JSON is the text form for tooling.
	JSON Codec = jsonCodec{}
)

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		panic("control: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic("control: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string        { return "cbor" }
func (cborCodec) ContentType() string { return "application/cbor" }

func (c cborCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

type jsonCodec struct{}

func (jsonCodec) Name() string        { return "json" }
func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Detect picks the codec of an encoded envelope: JSON objects start with
// '{' after optional whitespace, anything else is taken as CBOR.
func Detect(data []byte) Codec {
	if t := bytes.TrimLeft(data, " \t\r\n"); len(t) > 0 && t[0] == '{' {
		return JSON
	}
	return CBOR
}

// ForContentType returns the codec for a MIME type, CBOR by default.
func ForContentType(ct string) Codec {
	ct, _, _ = strings.Cut(ct, ";")
	switch strings.TrimSpace(ct) {
	case JSON.ContentType(), "text/json":
		return JSON
	default:
		return CBOR
	}
}

// DecodeRequest decodes a request with the codec Detect picks. Decoding
// failures are INVALID_ARGUMENT.
func DecodeRequest(data []byte) (Request, Codec, error) {
	codec := Detect(data)
	var req Request
	if err := codec.Unmarshal(data, &req); err != nil {
		return Request{}, codec, errors.Wrap(errors.ErrCodeInvalidArgument, err, "cannot decode control request").
			WithComponent("control").
			WithDetail("reason", "decode").
			WithDetail("codec", codec.Name())
	}
	return req, codec, nil
}
