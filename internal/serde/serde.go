// Package serde encodes the JSON output of the command line tools.
package serde

import (
	"io"
	"sync"

	"github.com/ugorji/go/codec"
)

// resolver holds a reusable encoder and decoder.
type resolver struct {
	jsonHandle   codec.JsonHandle
	indentHandle codec.JsonHandle

	jsonEncoder *codec.Encoder
	jsonDecoder *codec.Decoder
	jsonData    []byte

	jsonMu sync.Mutex
}

var gendecoder = newResolver()

func newResolver() *resolver {
	r := &resolver{jsonData: make([]byte, 0, 4096)}

	r.jsonHandle.TypeInfos = codec.NewTypeInfos([]string{"json"})
	r.jsonHandle.HTMLCharsAsIs = true

	r.indentHandle = r.jsonHandle
	r.indentHandle.Indent = 2

	r.jsonEncoder = codec.NewEncoderBytes(&r.jsonData, &r.jsonHandle)
	r.jsonDecoder = codec.NewDecoderBytes(nil, &r.jsonHandle)
	return r
}

// MarshalJSON encodes v honoring `json` struct tags.
func MarshalJSON[T any](v T) ([]byte, error) {
	gendecoder.jsonMu.Lock()
	defer gendecoder.jsonMu.Unlock()

	gendecoder.jsonEncoder.ResetBytes(&gendecoder.jsonData)
	if err := gendecoder.jsonEncoder.Encode(v); err != nil {
		return nil, err
	}
	// the buffer is reused by the next call
	out := make([]byte, len(gendecoder.jsonData))
	copy(out, gendecoder.jsonData)
	return out, nil
}

// UnmarshalJSON decodes data into marshalTo, which must be a pointer.
func UnmarshalJSON[T any](data []byte, marshalTo T) error {
	gendecoder.jsonMu.Lock()
	defer gendecoder.jsonMu.Unlock()

	gendecoder.jsonDecoder.ResetBytes(data)
	return gendecoder.jsonDecoder.Decode(marshalTo)
}

// WriteJSON writes v to w, indented when indent is set, followed by a newline.
func WriteJSON(w io.Writer, v any, indent bool) error {
	h := &gendecoder.jsonHandle
	if indent {
		h = &gendecoder.indentHandle
	}
	if err := codec.NewEncoder(w, h).Encode(v); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
