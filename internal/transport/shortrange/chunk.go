package shortrange

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// Chunk frame fields.
const (
	fieldType    protowire.Number = 1
	fieldMsgID   protowire.Number = 2
	fieldSeq     protowire.Number = 3
	fieldTotal   protowire.Number = 4
	fieldPayload protowire.Number = 5
)

type chunkType uint64

const (
	chunkData chunkType = 1
	chunkAck  chunkType = 2
)

// maxHeader bounds the encoded size of every field except the payload bytes.
const maxHeader = 2 + 1 + 10 + 1 + 10 + 1 + 5 + 1 + 5 + 1 + 5

var errBadChunk = errors.New("shortrange: malformed chunk")

type chunk struct {
	Type    chunkType
	MsgID   uint64
	Seq     uint32
	Total   uint32
	Payload []byte
}

func (c chunk) encode() []byte {
	out := make([]byte, 0, maxHeader+len(c.Payload))
	out = protowire.AppendTag(out, fieldType, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(c.Type))
	out = protowire.AppendTag(out, fieldMsgID, protowire.VarintType)
	out = protowire.AppendVarint(out, c.MsgID)
	out = protowire.AppendTag(out, fieldSeq, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(c.Seq))
	out = protowire.AppendTag(out, fieldTotal, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(c.Total))
	if c.Type == chunkData {
		out = protowire.AppendTag(out, fieldPayload, protowire.BytesType)
		out = protowire.AppendBytes(out, c.Payload)
	}
	return out
}

func decodeChunk(data []byte) (chunk, error) {
	var c chunk
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return chunk{}, errBadChunk
		}
		data = data[n:]

		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return chunk{}, errBadChunk
			}
			data = data[n:]
			switch num {
			case fieldType:
				c.Type = chunkType(v)
			case fieldMsgID:
				c.MsgID = v
			case fieldSeq:
				c.Seq = uint32(v)
			case fieldTotal:
				c.Total = uint32(v)
			}
			continue
		}
		if num == fieldPayload && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return chunk{}, errBadChunk
			}
			c.Payload = append([]byte(nil), v...)
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return chunk{}, errBadChunk
		}
		data = data[n:]
	}

	if c.Type != chunkData && c.Type != chunkAck {
		return chunk{}, errBadChunk
	}
	if c.Total == 0 || c.Seq >= c.Total {
		return chunk{}, errBadChunk
	}
	return c, nil
}

// split cuts body into payloads that fit the MTU once framed.
func split(body []byte, mtu int) ([][]byte, error) {
	size := mtu - maxHeader
	if size <= 0 {
		return nil, errors.New("shortrange: mtu too small for framing")
	}
	if len(body) == 0 {
		return [][]byte{{}}, nil
	}
	parts := make([][]byte, 0, (len(body)+size-1)/size)
	for len(body) > 0 {
		n := min(size, len(body))
		parts = append(parts, body[:n])
		body = body[n:]
	}
	return parts, nil
}
