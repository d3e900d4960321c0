package codec

import "testing"

func TestCRC16_KnownVectors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{"kat", []byte{0xAA, 0x09, 0x02, 0x00, 0x00}, 0x449E},
		{"s1", []byte{0xAA, 0x09, 0x06, 0x00, 0x00, 0x01, 0x00, 0x24, 0x00}, 0xC130},
		{"s2", []byte{0xAA, 0x09, 0x02, 0x10, 0x27}, 0x9ED3},
		{"ack", []byte{0xAA, 0x01, 0x01, 0x00}, 0xAC71},
		{"read_single", []byte{0xAA, 0x07, 0x02, 0x00, 0x00}, 0xAC9C},
		{"restart_write", []byte{0xAA, 0x0D, 0x04, 0x86, 0x00, 0x5A, 0xA5}, 0x4432},
		{"modbus_read", []byte{0x01, 0x03, 0x00, 0x00}, 0xD8F1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CRC16(tt.data); got != tt.want {
				t.Errorf("CRC16(%x) = 0x%04X, want 0x%04X", tt.data, got, tt.want)
			}
		})
	}
}

func TestValidateCRC16(t *testing.T) {
	frame := []byte{0xAA, 0x09, 0x02, 0x00, 0x00, 0x9E, 0x44}
	if !ValidateCRC16(frame) {
		t.Error("ValidateCRC16 should accept a correctly framed CRC")
	}
	corrupt := append([]byte(nil), frame...)
	corrupt[4] = 0xFF
	if ValidateCRC16(corrupt) {
		t.Error("ValidateCRC16 should reject a frame with corrupted data")
	}
}

func TestValidateCRC16_TooShort(t *testing.T) {
	if ValidateCRC16([]byte{0x01}) {
		t.Error("ValidateCRC16 should reject frames shorter than 2 bytes")
	}
}
