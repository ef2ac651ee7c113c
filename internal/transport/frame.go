package transport

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the shared message frame.
const (
	fieldFrom protowire.Number = 1
	fieldBody protowire.Number = 2
)

var errBadFrame = errors.New("transport: malformed frame")

// EncodeFrame packs a sender id and body in protobuf wire format.
func EncodeFrame(from string, body []byte) []byte {
	out := make([]byte, 0, len(from)+len(body)+16)
	out = protowire.AppendTag(out, fieldFrom, protowire.BytesType)
	out = protowire.AppendString(out, from)
	out = protowire.AppendTag(out, fieldBody, protowire.BytesType)
	out = protowire.AppendBytes(out, body)
	return out
}

// DecodeFrame reverses EncodeFrame. Unknown fields are skipped.
func DecodeFrame(data []byte) (from string, body []byte, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", nil, errBadFrame
		}
		data = data[n:]

		switch {
		case num == fieldFrom && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return "", nil, errBadFrame
			}
			from, data = v, data[n:]
		case num == fieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return "", nil, errBadFrame
			}
			body, data = append([]byte(nil), v...), data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", nil, errBadFrame
			}
			data = data[n:]
		}
	}
	if from == "" {
		return "", nil, errBadFrame
	}
	return from, body, nil
}
