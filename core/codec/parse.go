package codec

import (
	"encoding/binary"

	"github.com/tinybms/gateway/core/errs"
)

// ParseVendorFrame scans buf for one complete vendor-dialect frame. It
// returns the parsed frame, the number of bytes consumed from the front of
// buf, and an error.
//
// consumed is always > 0 when err is non-nil, except for the two genuinely
// incomplete cases below, so a caller reassembling a byte stream can
// discard buf[:consumed] and retry: this is the resync-on-garbage rule
// (spec.md §4.3). Three distinct error cases resync:
//   - garbage before the first start byte: consumed skips straight to it
//     (or covers the whole buffer when it holds no start byte at all).
//   - a claimed length beyond MaxVendorFrameLen (spec.md §4.3 step c):
//     this can never be a frame still arriving, only a garbage length byte,
//     so it resyncs immediately rather than waiting for bytes that may
//     never come.
//   - a CRC mismatch on an otherwise well-formed frame: consumed is 1, so
//     the next attempt searches for a start byte starting just past the one
//     that produced the bad frame, in case it was itself data that happens
//     to equal 0xAA.
//
// A nil error with consumed == 0 never happens; incomplete frames (header
// or body) return consumed == 0 so the caller waits for more bytes without
// discarding what it already has.
func ParseVendorFrame(buf []byte) (VendorFrame, int, error) {
	start := -1
	for i, b := range buf {
		if b == VendorStartByte {
			start = i
			break
		}
	}
	if start == -1 {
		return VendorFrame{}, len(buf), errs.New(errs.InvalidState, "no start byte in buffer")
	}
	if start > 0 {
		return VendorFrame{}, start, errs.New(errs.InvalidState, "garbage before start byte")
	}

	if len(buf) < 3 {
		return VendorFrame{}, 0, errs.New(errs.InvalidSize, "incomplete frame header")
	}
	opcode := VendorOpcode(buf[1])
	dataLen := int(buf[2])
	frameLen := 3 + dataLen + 2
	if frameLen > MaxVendorFrameLen {
		return VendorFrame{}, 1, errs.New(errs.InvalidSize, "claimed frame length exceeds max frame")
	}
	if len(buf) < frameLen {
		return VendorFrame{}, 0, errs.New(errs.InvalidSize, "incomplete frame body")
	}

	body := buf[:3+dataLen]
	gotCRC := uint16(buf[3+dataLen]) | uint16(buf[3+dataLen+1])<<8
	if gotCRC != CRC16(body) {
		return VendorFrame{}, 1, errs.New(errs.InvalidCrc, "crc mismatch")
	}

	data := make([]byte, dataLen)
	copy(data, buf[3:3+dataLen])
	return VendorFrame{Opcode: opcode, Data: data}, frameLen, nil
}

// DecodeReadRegistersResponse splits a read-registers response payload into
// its little-endian 16-bit register values, in request order.
func DecodeReadRegistersResponse(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, errs.New(errs.InvalidSize, "odd-length register payload")
	}
	values := make([]uint16, len(data)/2)
	for i := range values {
		values[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return values, nil
}

// DecodeAckResponse decodes a single-byte ACK/status response. A zero
// status byte means success.
func DecodeAckResponse(data []byte) (byte, error) {
	if len(data) != 1 {
		return 0, errs.New(errs.InvalidSize, "ack payload must be exactly 1 byte")
	}
	return data[0], nil
}

// ParseModbusReadResponse parses a Read Holding Registers response
// (function 0x03) from buf, validating the slave address and CRC. It
// returns the decoded register values, the number of bytes consumed, and an
// error.
func ParseModbusReadResponse(buf []byte, slaveAddr byte) ([]uint16, int, error) {
	if len(buf) < 3 {
		return nil, 0, errs.New(errs.InvalidSize, "incomplete modbus header")
	}
	if buf[0] != slaveAddr {
		return nil, 1, errs.New(errs.InvalidState, "unexpected slave address")
	}
	if ModbusFuncCode(buf[1]) != FuncReadHoldingRegisters {
		return nil, 1, errs.New(errs.InvalidState, "unexpected function code")
	}
	byteCount := int(buf[2])
	frameLen := 3 + byteCount + 2
	if len(buf) < frameLen {
		return nil, 0, errs.New(errs.InvalidSize, "incomplete modbus body")
	}

	body := buf[:3+byteCount]
	gotCRC := uint16(buf[3+byteCount]) | uint16(buf[3+byteCount+1])<<8
	if gotCRC != CRC16(body) {
		return nil, 1, errs.New(errs.InvalidCrc, "crc mismatch")
	}

	if byteCount%2 != 0 {
		return nil, frameLen, errs.New(errs.InvalidSize, "odd-length register payload")
	}
	values := make([]uint16, byteCount/2)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(buf[3+i*2:])
	}
	return values, frameLen, nil
}
