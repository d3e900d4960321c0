package codec

import (
	"math"

	"github.com/tinybms/gateway/core/errs"
	"github.com/tinybms/gateway/core/model"
	"github.com/tinybms/gateway/core/registry"
)

// Alarm bit positions within the AlarmBits register (spec.md §4.2).
const (
	alarmBitHighCharge    = 1 << 0
	alarmBitHighDischarge = 1 << 1
	alarmBitCellImbalance = 1 << 2
)

// ParsePollResponse decodes the register values of one successful poll
// round into a LiveData record. values must contain exactly
// registry.TotalWordCount() words, in registry.Catalogue order — the same
// order BuildReadRegistersRequest(registry.Addresses()) requested them in.
func ParsePollResponse(values []uint16, timestampMs int64) (*model.LiveData, error) {
	if len(values) != registry.TotalWordCount() {
		return nil, errs.New(errs.InvalidSize, "poll response word count does not match the register catalogue")
	}

	ld := &model.LiveData{TimestampMs: timestampMs}
	offset := 0
	for _, e := range registry.Catalogue {
		words := values[offset : offset+int(e.WordCount)]
		offset += int(e.WordCount)

		snapshot := model.RegisterSnapshot{
			Address:   e.Address,
			TypeTag:   e.RawType,
			WordCount: e.WordCount,
		}
		copy(snapshot.Words[:], words)

		if err := applyEntry(ld, &snapshot, e, words); err != nil {
			return nil, err
		}
		ld.Registers = append(ld.Registers, snapshot)
	}

	ld.ImbalanceMv = ld.MaxCellMv - ld.MinCellMv
	for i := 0; i < 16; i++ {
		if ld.BalancingBits&(1<<uint(i)) != 0 {
			ld.CellBalancing[i] = 1
		}
	}
	decodeAlarms(ld)

	return ld, nil
}

func applyEntry(ld *model.LiveData, snapshot *model.RegisterSnapshot, e registry.Entry, words []uint16) error {
	switch e.RawType {
	case model.RawU16:
		v := decodeU16(words)
		snapshot.RawValue = int64(v)
		if e.Primary == registry.FieldCellVoltageBlock {
			if e.CellIndex < 0 || e.CellIndex >= len(ld.CellVoltagesMv) {
				return errs.New(errs.InvalidState, "cell voltage index out of range")
			}
			ld.CellVoltagesMv[e.CellIndex] = v
			return nil
		}
		if e.Primary == registry.FieldSerialNumber {
			// Handled as a multi-word ASCII run below, not per-word.
			break
		}
		setScalarField(ld, e.Primary, float32(v)*e.Scale)
		setRawField(ld, e.Primary, uint16(v))

	case model.RawI16:
		v := decodeI16(words)
		snapshot.RawValue = int64(v)
		setScalarField(ld, e.Primary, float32(v)*e.Scale)

	case model.RawU32:
		v := decodeU32LE(words)
		snapshot.RawValue = int64(v)
		setScalarField(ld, e.Primary, float32(v)*e.Scale)
		setU32Field(ld, e.Primary, v)

	case model.RawF32:
		v := decodeF32LE(words)
		snapshot.RawValue = int64(math.Float32bits(v))
		setScalarField(ld, e.Primary, v*e.Scale)

	case model.RawI8Pair:
		lo, hi := decodeI8Pair(words)
		snapshot.RawValue = int64(words[0])
		setScalarField(ld, e.Primary, float32(lo)*e.Scale)
		setScalarField(ld, e.Secondary, float32(hi)*e.Scale)

	default:
		return errs.New(errs.InvalidState, "unknown raw type in catalogue entry")
	}

	if e.Primary == registry.FieldSerialNumber {
		text := decodeASCII(words)
		snapshot.OptionalText = text
		ld.SerialNumber = text
	}

	return nil
}

func setScalarField(ld *model.LiveData, field registry.Field, v float32) {
	switch field {
	case registry.FieldPackVoltageV:
		ld.PackVoltageV = v
	case registry.FieldPackCurrentA:
		ld.PackCurrentA = v
	case registry.FieldStateOfChargePct:
		ld.StateOfChargePct = v
	case registry.FieldStateOfHealthPct:
		ld.StateOfHealthPct = v
	case registry.FieldPackTemperatureMinC:
		ld.PackTemperatureMinC = v
	case registry.FieldPackTemperatureMaxC:
		ld.PackTemperatureMaxC = v
	case registry.FieldMosfetTemperatureC:
		ld.MosfetTemperatureC = v
	case registry.FieldMaxChargeCurrentA:
		ld.Limits.MaxChargeCurrentA = v
	case registry.FieldMaxDischargeCurrentA:
		ld.Limits.MaxDischargeCurrentA = v
	case registry.FieldChargeOvercurrentLimitA:
		ld.Limits.ChargeOvercurrentLimitA = v
	case registry.FieldDischargeOvercurrentLimitA:
		ld.Limits.DischargeOvercurrentLimitA = v
	case registry.FieldOverVoltageCutoffV:
		ld.OverVoltageCutoffV = v
	case registry.FieldUnderVoltageCutoffV:
		ld.UnderVoltageCutoffV = v
	}
}

// setRawField populates the integer fields whose scale is always 1 and
// whose LiveData type is narrower than float32.
func setRawField(ld *model.LiveData, field registry.Field, v uint16) {
	switch field {
	case registry.FieldMinCellMv:
		ld.MinCellMv = v
	case registry.FieldMaxCellMv:
		ld.MaxCellMv = v
	case registry.FieldBalancingBits:
		ld.BalancingBits = v
	case registry.FieldStatusCode:
		ld.StatusCode = v
	case registry.FieldAlarmBits:
		ld.Alarms.RawAlarmBits = v
	case registry.FieldWarningBits:
		ld.Alarms.RawWarningBits = v
	}
}

func setU32Field(ld *model.LiveData, field registry.Field, v uint32) {
	switch field {
	case registry.FieldCycleCount:
		ld.CycleCount = v
	case registry.FieldUptimeS:
		ld.UptimeS = v
	}
}

func decodeAlarms(ld *model.LiveData) {
	bits := ld.Alarms.RawAlarmBits
	ld.Alarms.HighCharge = alarmLevel(bits&alarmBitHighCharge != 0)
	ld.Alarms.HighDischarge = alarmLevel(bits&alarmBitHighDischarge != 0)
	ld.Alarms.CellImbalance = alarmLevel(bits&alarmBitCellImbalance != 0)
}

func alarmLevel(active bool) model.AlarmLevel {
	if active {
		return model.AlarmActive
	}
	return model.AlarmClear
}
