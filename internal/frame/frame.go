// Package frame decodes the update frames served by the image endpoint.
//
// Layout, all integers little-endian:
//
//	[0:4]   command  0 = full update, 1 = partial update
//	command 0:
//	[4:]    packed bitmap, stride*height bytes
//	command 1:
//	[4:8] x  [8:12] y  [12:16] w  [16:20] h
//	[20:]   packed bitmap, (w/8)*h bytes
package frame

import (
	"encoding/binary"

	"epdpanel/internal/model"
)

const (
	CommandFull    uint32 = 0
	CommandPartial uint32 = 1

	headerSize        = 4
	partialHeaderSize = 20
)

// Decode turns a fetched body into a Job. It never fails: malformed input
// yields a bufferless Clear job with Reason set. The payload is copied
// exactly once into a buffer from pool, so body is not retained.
func Decode(pool *model.Pool, body []byte) model.Job {
	if len(body) < headerSize {
		return model.Fallback("frame too short")
	}

	switch binary.LittleEndian.Uint32(body[0:4]) {
	case CommandFull:
		payload := body[headerSize:]
		return model.NewDisplay(pool.Copy(payload), len(payload))

	case CommandPartial:
		if len(body) < partialHeaderSize {
			return model.Fallback("partial frame too short")
		}
		region := model.Region{
			X: binary.LittleEndian.Uint32(body[4:8]),
			Y: binary.LittleEndian.Uint32(body[8:12]),
			W: binary.LittleEndian.Uint32(body[12:16]),
			H: binary.LittleEndian.Uint32(body[16:20]),
		}
		payload := body[partialHeaderSize:]
		return model.NewDisplayPartial(pool.Copy(payload), len(payload), region)

	default:
		return model.Fallback("unknown frame command")
	}
}

// EncodeFull frames a full-panel bitmap.
func EncodeFull(bitmap []byte) []byte {
	out := make([]byte, headerSize+len(bitmap))
	binary.LittleEndian.PutUint32(out[0:4], CommandFull)
	copy(out[headerSize:], bitmap)
	return out
}

// EncodePartial frames a bitmap for region r.
func EncodePartial(r model.Region, bitmap []byte) []byte {
	out := make([]byte, partialHeaderSize+len(bitmap))
	binary.LittleEndian.PutUint32(out[0:4], CommandPartial)
	binary.LittleEndian.PutUint32(out[4:8], r.X)
	binary.LittleEndian.PutUint32(out[8:12], r.Y)
	binary.LittleEndian.PutUint32(out[12:16], r.W)
	binary.LittleEndian.PutUint32(out[16:20], r.H)
	copy(out[partialHeaderSize:], bitmap)
	return out
}
