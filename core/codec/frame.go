package codec

import (
	"encoding/binary"

	"github.com/tinybms/gateway/core/registry"
)

// VendorStartByte marks the beginning of every vendor-dialect frame.
const VendorStartByte byte = 0xAA

// MaxVendorFrameLen bounds a claimed frame length (spec.md §4.3 step c:
// "compute total = buffer[2] + 5; if > max frame ⇒ drop one byte and
// retry"). It matches the reassembler's rolling-buffer ceiling
// (device/link.MaxBufferLen): no valid frame can ever exceed the buffer
// that has to hold it, so a claimed length above this is corrupt data, not
// a frame still arriving.
const MaxVendorFrameLen = 128

// VendorOpcode identifies a vendor-dialect frame's operation.
type VendorOpcode byte

const (
	OpAck                VendorOpcode = 0x01
	OpReadSingleRegister VendorOpcode = 0x07
	OpReadRegisters      VendorOpcode = 0x09 // poll: read-multiple-individual
	OpWriteRegister      VendorOpcode = 0x0D
	OpReadNewestEvents   VendorOpcode = 0x11
	OpNack               VendorOpcode = 0x81
)

func (op VendorOpcode) String() string {
	switch op {
	case OpAck:
		return "ack"
	case OpReadSingleRegister:
		return "read_single_register"
	case OpReadRegisters:
		return "read_registers"
	case OpWriteRegister:
		return "write_register"
	case OpReadNewestEvents:
		return "read_newest_events"
	case OpNack:
		return "nack"
	default:
		return "unknown"
	}
}

// VendorFrame is one decoded or pending vendor-dialect frame: the opcode and
// its data payload, excluding the start byte, length byte, and trailing CRC.
type VendorFrame struct {
	Opcode VendorOpcode
	Data   []byte
}

// EncodeVendorFrame serializes a vendor-dialect frame: start byte, opcode,
// one-byte length, data, then CRC-16 (LSB, MSB).
func EncodeVendorFrame(f VendorFrame) []byte {
	buf := make([]byte, 0, 3+len(f.Data)+2)
	buf = append(buf, VendorStartByte, byte(f.Opcode), byte(len(f.Data)))
	buf = append(buf, f.Data...)
	crc := CRC16(buf)
	buf = append(buf, byte(crc), byte(crc>>8))
	return buf
}

// BuildReadRegistersRequest builds a request that reads an explicit list of
// register addresses in one round trip (opcode 0x09). The response carries
// the corresponding values in the same order.
func BuildReadRegistersRequest(addrs []uint16) []byte {
	data := make([]byte, len(addrs)*2)
	for i, a := range addrs {
		binary.LittleEndian.PutUint16(data[i*2:], a)
	}
	return EncodeVendorFrame(VendorFrame{Opcode: OpReadRegisters, Data: data})
}

// BuildReadSingleRegisterRequest builds a request for exactly one register
// (opcode 0x07), used by on-demand reads outside the poll catalogue and by
// the arbiter's post-write verification read.
func BuildReadSingleRegisterRequest(addr uint16) []byte {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, addr)
	return EncodeVendorFrame(VendorFrame{Opcode: OpReadSingleRegister, Data: data})
}

// BuildWriteRegisterRequest builds a single-register write command
// (opcode 0x0D).
func BuildWriteRegisterRequest(addr, value uint16) []byte {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:2], addr)
	binary.LittleEndian.PutUint16(data[2:4], value)
	return EncodeVendorFrame(VendorFrame{Opcode: OpWriteRegister, Data: data})
}

// RestartMagicValue is the value written to registry.RestartRegister to
// trigger a BMS restart.
const RestartMagicValue uint16 = 0xA55A

// BuildRestartCommand builds the write command that triggers a BMS restart.
func BuildRestartCommand() []byte {
	return BuildWriteRegisterRequest(registry.RestartRegister, RestartMagicValue)
}

// ModbusDefaultSlaveAddr is the slave address used when the caller hasn't
// configured a different one.
const ModbusDefaultSlaveAddr byte = 0x01

// ModbusFuncCode identifies a MODBUS-RTU frame's function.
type ModbusFuncCode byte

const (
	FuncReadHoldingRegisters   ModbusFuncCode = 0x03
	FuncWriteMultipleRegisters ModbusFuncCode = 0x10
)

// ModbusFrame is one MODBUS-RTU frame: slave address, function code, and
// big-endian data, excluding the trailing CRC.
type ModbusFrame struct {
	SlaveAddr byte
	FuncCode  ModbusFuncCode
	Data      []byte
}

// EncodeModbusFrame serializes a MODBUS-RTU frame and appends its CRC-16.
// MODBUS data fields are big-endian, but the CRC itself is still
// transmitted LSB first, MSB second.
func EncodeModbusFrame(f ModbusFrame) []byte {
	buf := make([]byte, 0, 2+len(f.Data)+2)
	buf = append(buf, f.SlaveAddr, byte(f.FuncCode))
	buf = append(buf, f.Data...)
	crc := CRC16(buf)
	buf = append(buf, byte(crc), byte(crc>>8))
	return buf
}

// BuildModbusReadHoldingRequest builds a Read Holding Registers request
// (function 0x03) for count registers starting at startAddr.
func BuildModbusReadHoldingRequest(slaveAddr byte, startAddr, count uint16) []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], count)
	return EncodeModbusFrame(ModbusFrame{SlaveAddr: slaveAddr, FuncCode: FuncReadHoldingRegisters, Data: data})
}

// BuildModbusWriteMultipleRequest builds a Write Multiple Registers request
// (function 0x10) for the given values starting at startAddr.
func BuildModbusWriteMultipleRequest(slaveAddr byte, startAddr uint16, values []uint16) []byte {
	data := make([]byte, 5+len(values)*2)
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(len(values) * 2)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+i*2:], v)
	}
	return EncodeModbusFrame(ModbusFrame{SlaveAddr: slaveAddr, FuncCode: FuncWriteMultipleRegisters, Data: data})
}
