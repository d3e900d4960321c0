package mqtt

import (
	"math"

	"github.com/tinybms/gateway/core/model"
)

// Message is the MQTT metrics payload shape (spec.md §6).
type Message struct {
	Type               string         `json:"type"`
	TimestampMs        int64          `json:"timestamp_ms"`
	UptimeS            uint32         `json:"uptime_s"`
	CycleCount         uint32         `json:"cycle_count"`
	PackVoltageV       float32        `json:"pack_voltage_v"`
	PackCurrentA       float32        `json:"pack_current_a"`
	PowerW             float32        `json:"power_w"`
	StateOfChargePct   float32        `json:"state_of_charge_pct"`
	StateOfHealthPct   float32        `json:"state_of_health_pct"`
	AverageTemperatureC float32       `json:"average_temperature_c"`
	MosfetTemperatureC float32        `json:"mosfet_temperature_c"`
	MinCellVoltageV    float32        `json:"min_cell_voltage_v"`
	MaxCellVoltageV    float32        `json:"max_cell_voltage_v"`
	BalancingBits      uint16         `json:"balancing_bits"`
	CellVoltagesMv     [16]int        `json:"cell_voltages_mv"`
	CellBalancing      [16]int        `json:"cell_balancing"`
	Alarms             MessageAlarms  `json:"alarms"`
	Limits             MessageLimits  `json:"limits"`
}

// MessageAlarms mirrors model.Alarms in the wire schema's field names.
type MessageAlarms struct {
	HighCharge     uint8  `json:"high_charge"`
	HighDischarge  uint8  `json:"high_discharge"`
	CellImbalance  uint8  `json:"cell_imbalance"`
	RawAlarmBits   uint16 `json:"raw_alarm_bits"`
	RawWarningBits uint16 `json:"raw_warning_bits"`
}

// MessageLimits mirrors model.Limits in the wire schema's field names.
type MessageLimits struct {
	MaxChargeCurrentA          float32 `json:"max_charge_current_a"`
	MaxDischargeCurrentA       float32 `json:"max_discharge_current_a"`
	ChargeOvercurrentLimitA    float32 `json:"charge_overcurrent_limit_a"`
	DischargeOvercurrentLimitA float32 `json:"discharge_overcurrent_limit_a"`
}

// BuildMetricsMessage projects a LiveData record into the MQTT metrics
// wire schema (spec.md §6), sanitising any non-finite float to 0.
func BuildMetricsMessage(ld *model.LiveData) Message {
	avgTempC := (ld.PackTemperatureMinC + ld.PackTemperatureMaxC) / 2

	msg := Message{
		Type:                "tinybms_metrics",
		TimestampMs:         ld.TimestampMs,
		UptimeS:             ld.UptimeS,
		CycleCount:          ld.CycleCount,
		PackVoltageV:        sanitize(ld.PackVoltageV),
		PackCurrentA:        sanitize(ld.PackCurrentA),
		PowerW:              sanitize(ld.PackVoltageV * ld.PackCurrentA),
		StateOfChargePct:    sanitize(ld.StateOfChargePct),
		StateOfHealthPct:    sanitize(ld.StateOfHealthPct),
		AverageTemperatureC: sanitize(avgTempC),
		MosfetTemperatureC:  sanitize(ld.MosfetTemperatureC),
		MinCellVoltageV:     sanitize(float32(ld.MinCellMv) / 1000),
		MaxCellVoltageV:     sanitize(float32(ld.MaxCellMv) / 1000),
		BalancingBits:       ld.BalancingBits,
		Alarms: MessageAlarms{
			HighCharge:     uint8(ld.Alarms.HighCharge),
			HighDischarge:  uint8(ld.Alarms.HighDischarge),
			CellImbalance:  uint8(ld.Alarms.CellImbalance),
			RawAlarmBits:   ld.Alarms.RawAlarmBits,
			RawWarningBits: ld.Alarms.RawWarningBits,
		},
		Limits: MessageLimits{
			MaxChargeCurrentA:          sanitize(ld.Limits.MaxChargeCurrentA),
			MaxDischargeCurrentA:       sanitize(ld.Limits.MaxDischargeCurrentA),
			ChargeOvercurrentLimitA:    sanitize(ld.Limits.ChargeOvercurrentLimitA),
			DischargeOvercurrentLimitA: sanitize(ld.Limits.DischargeOvercurrentLimitA),
		},
	}
	for i := 0; i < 16; i++ {
		msg.CellVoltagesMv[i] = int(ld.CellVoltagesMv[i])
		msg.CellBalancing[i] = int(ld.CellBalancing[i])
	}
	return msg
}

// sanitize replaces NaN/Inf with 0 (spec.md §6: "Non-finite floats are
// sanitised to 0").
func sanitize(f float32) float32 {
	d := float64(f)
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	return f
}
