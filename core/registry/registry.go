// Package registry holds the static TinyBMS register catalogue: the
// immutable, ordered table of every register the gateway polls, its wire
// decoding rule, its engineering-unit scale, and the LiveData field(s) it
// feeds (spec.md §4.2).
//
// The concrete addresses below follow the layout conventions of publicly
// documented TinyBMS Modbus register maps (pack voltage/current first,
// then 16 individual cell voltages, then derived/aggregate registers);
// they are not reverse-engineered from a specific firmware revision.
package registry

import "github.com/tinybms/gateway/core/model"

// Field identifies which LiveData field a register entry feeds. Some
// entries feed no scalar Field directly and are instead special-cased by
// the parser (cell voltages, the ASCII serial number block).
type Field int

const (
	FieldNone Field = iota
	FieldPackVoltageV
	FieldPackCurrentA
	FieldMinCellMv
	FieldMaxCellMv
	FieldBalancingBits
	FieldStateOfChargePct
	FieldStateOfHealthPct
	FieldPackTemperatureMinC
	FieldPackTemperatureMaxC
	FieldMosfetTemperatureC
	FieldStatusCode
	FieldAlarmBits
	FieldWarningBits
	FieldMaxChargeCurrentA
	FieldMaxDischargeCurrentA
	FieldChargeOvercurrentLimitA
	FieldDischargeOvercurrentLimitA
	FieldOverVoltageCutoffV
	FieldUnderVoltageCutoffV
	FieldCycleCount
	FieldUptimeS
	FieldCellVoltageBlock // address is within the 16-entry cell-voltage block
	FieldSerialNumber     // address is the base of the 8-word ASCII run
)

// Entry is one row of the static register catalogue.
type Entry struct {
	Address   uint16
	WordCount uint8
	RawType   model.RawType
	Scale     float32
	Primary   Field
	Secondary Field // only I8Pair entries use a second field
	Unit      string
	Doc       string

	// CellIndex is the 0-based cell number for FieldCellVoltageBlock
	// entries, and is ignored otherwise.
	CellIndex int
}

// RestartRegister is the write-only command register used to restart the
// BMS (spec.md S5). It is deliberately not part of the poll Catalogue:
// poll requests only ever read the registers below.
const RestartRegister uint16 = 0x0086

// Catalogue is the fixed, ordered set of registers read by every poll
// request. Order matters: the parser decodes words in exactly this order
// (spec.md §4.6).
var Catalogue = buildCatalogue()

func buildCatalogue() []Entry {
	entries := []Entry{
		{Address: 0x0000, WordCount: 2, RawType: model.RawF32, Scale: 1, Primary: FieldPackVoltageV, Unit: "V", Doc: "Pack voltage"},
		{Address: 0x0002, WordCount: 2, RawType: model.RawF32, Scale: 1, Primary: FieldPackCurrentA, Unit: "A", Doc: "Pack current"},
	}

	// 16 individual cell voltages, one word each, contiguous.
	for i := 0; i < 16; i++ {
		entries = append(entries, Entry{
			Address:   0x0004 + uint16(i),
			WordCount: 1,
			RawType:   model.RawU16,
			Scale:     1,
			Primary:   FieldCellVoltageBlock,
			CellIndex: i,
			Unit:      "mV",
			Doc:       "Cell voltage",
		})
	}

	entries = append(entries,
		Entry{Address: 0x0014, WordCount: 1, RawType: model.RawU16, Scale: 1, Primary: FieldMinCellMv, Unit: "mV", Doc: "Minimum cell voltage"},
		Entry{Address: 0x0015, WordCount: 1, RawType: model.RawU16, Scale: 1, Primary: FieldMaxCellMv, Unit: "mV", Doc: "Maximum cell voltage"},
		Entry{Address: 0x0016, WordCount: 1, RawType: model.RawU16, Scale: 1, Primary: FieldBalancingBits, Unit: "", Doc: "Per-cell balancing bitfield"},
		Entry{Address: 0x0017, WordCount: 2, RawType: model.RawU32, Scale: 1e-6, Primary: FieldStateOfChargePct, Unit: "%", Doc: "State of charge"},
		Entry{Address: 0x0019, WordCount: 2, RawType: model.RawU32, Scale: 1e-6, Primary: FieldStateOfHealthPct, Unit: "%", Doc: "State of health"},
		Entry{Address: 0x001B, WordCount: 1, RawType: model.RawI8Pair, Scale: 1, Primary: FieldPackTemperatureMinC, Secondary: FieldPackTemperatureMaxC, Unit: "°C", Doc: "Pack temperature min/max"},
		Entry{Address: 0x001C, WordCount: 1, RawType: model.RawI16, Scale: 0.1, Primary: FieldMosfetTemperatureC, Unit: "°C", Doc: "MOSFET temperature"},
		Entry{Address: 0x001D, WordCount: 1, RawType: model.RawU16, Scale: 1, Primary: FieldStatusCode, Unit: "", Doc: "Status code"},
		Entry{Address: 0x001E, WordCount: 1, RawType: model.RawU16, Scale: 1, Primary: FieldAlarmBits, Unit: "", Doc: "Alarm bitfield"},
		Entry{Address: 0x001F, WordCount: 1, RawType: model.RawU16, Scale: 1, Primary: FieldWarningBits, Unit: "", Doc: "Warning bitfield"},
		Entry{Address: 0x0020, WordCount: 2, RawType: model.RawF32, Scale: 1, Primary: FieldMaxChargeCurrentA, Unit: "A", Doc: "Max charge current"},
		Entry{Address: 0x0022, WordCount: 2, RawType: model.RawF32, Scale: 1, Primary: FieldMaxDischargeCurrentA, Unit: "A", Doc: "Max discharge current"},
		Entry{Address: 0x0024, WordCount: 2, RawType: model.RawF32, Scale: 1, Primary: FieldChargeOvercurrentLimitA, Unit: "A", Doc: "Charge overcurrent limit"},
		Entry{Address: 0x0026, WordCount: 2, RawType: model.RawF32, Scale: 1, Primary: FieldDischargeOvercurrentLimitA, Unit: "A", Doc: "Discharge overcurrent limit"},
		Entry{Address: 0x0028, WordCount: 2, RawType: model.RawF32, Scale: 1, Primary: FieldOverVoltageCutoffV, Unit: "V", Doc: "Over-voltage cutoff"},
		Entry{Address: 0x002A, WordCount: 2, RawType: model.RawF32, Scale: 1, Primary: FieldUnderVoltageCutoffV, Unit: "V", Doc: "Under-voltage cutoff"},
		Entry{Address: 0x002C, WordCount: 2, RawType: model.RawU32, Scale: 1, Primary: FieldCycleCount, Unit: "", Doc: "Cycle count"},
		Entry{Address: 0x002E, WordCount: 2, RawType: model.RawU32, Scale: 1, Primary: FieldUptimeS, Unit: "s", Doc: "Uptime"},
		Entry{Address: 0x0030, WordCount: 8, RawType: model.RawU16, Scale: 1, Primary: FieldSerialNumber, Unit: "", Doc: "ASCII serial number"},
	)

	return entries
}

// TotalWordCount returns the sum of WordCount across the catalogue — the
// poll request's expected response payload length in 16-bit words
// (spec.md §3).
func TotalWordCount() int {
	total := 0
	for _, e := range Catalogue {
		total += int(e.WordCount)
	}
	return total
}

// Addresses returns the catalogue's addresses in poll order, used to build
// the poll request payload.
func Addresses() []uint16 {
	addrs := make([]uint16, len(Catalogue))
	for i, e := range Catalogue {
		addrs[i] = e.Address
	}
	return addrs
}

// Lookup returns the catalogue entry for address, and whether it was found.
// RestartRegister and any other non-catalogue address are never found here.
func Lookup(address uint16) (Entry, bool) {
	for _, e := range Catalogue {
		if e.Address == address {
			return e, true
		}
	}
	return Entry{}, false
}
