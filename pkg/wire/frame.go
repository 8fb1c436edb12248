// Package wire 实现设计文档 6 节的线上分帧格式：
// [1 byte service_id][1 byte flags][2 bytes len][len bytes payload]。
// 这一层只关心帧头编解码；各特性自己的载荷布局在 payloads.go 中。
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/relaymesh/plane/pkg/types"
)

// MaxPayloadLen is the largest payload the 2-byte length field can address.
const MaxPayloadLen = 0xFFFF

// EncodeFrame serializes f per the fixed 4-byte header layout.
func EncodeFrame(f types.Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadLen {
		return nil, fmt.Errorf("wire: payload too large: %d bytes", len(f.Payload))
	}
	buf := make([]byte, types.FrameHeaderLen+len(f.Payload))
	buf[0] = byte(f.Service)
	buf[1] = byte(f.Flags)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(f.Payload)))
	copy(buf[4:], f.Payload)
	return buf, nil
}

// DecodeFrame consumes exactly one frame from the front of buf and
// returns it along with the remaining bytes. It returns ok=false when
// buf does not yet contain a complete frame (caller should wait for
// more transport data, not treat this as an error).
func DecodeFrame(buf []byte) (frame types.Frame, rest []byte, ok bool, err error) {
	if len(buf) < types.FrameHeaderLen {
		return types.Frame{}, buf, false, nil
	}
	payloadLen := int(binary.LittleEndian.Uint16(buf[2:4]))
	total := types.FrameHeaderLen + payloadLen
	if len(buf) < total {
		return types.Frame{}, buf, false, nil
	}
	svc := types.ServiceID(buf[0])
	if !svc.Valid() {
		return types.Frame{}, buf[total:], false, fmt.Errorf("wire: unknown service id %d", buf[0])
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf[4:total])
	frame = types.Frame{
		Service: svc,
		Flags:   types.FrameFlags(buf[1]),
		Payload: payload,
	}
	return frame, buf[total:], true, nil
}

// DecodeAll drains every complete frame currently in buf, returning
// them along with any trailing partial-frame bytes to keep buffering.
func DecodeAll(buf []byte) (frames []types.Frame, rest []byte, err error) {
	for {
		f, next, ok, decErr := DecodeFrame(buf)
		if decErr != nil {
			// malformed frame: drop the whole buffer rather than risk
			// misaligned re-sync (dispatcher never panics, logs and drops).
			return frames, nil, decErr
		}
		if !ok {
			return frames, buf, nil
		}
		frames = append(frames, f)
		buf = next
	}
}
