package gateway

import (
	"testing"
	"time"

	"github.com/tinybms/gateway/core/bus"
	"github.com/tinybms/gateway/core/codec"
	"github.com/tinybms/gateway/core/model"
	canadapter "github.com/tinybms/gateway/device/adapters/can"
	diagadapter "github.com/tinybms/gateway/device/adapters/diag"
	mqttadapter "github.com/tinybms/gateway/device/adapters/mqtt"
	"github.com/tinybms/gateway/device/link"
)

func TestNew_AdaptersAbsentWhenUnconfigured(t *testing.T) {
	g := New(Config{Device: "pack-1", Link: testLinkConfig()})
	if g.mqttPub != nil {
		t.Error("mqttPub should be nil when Config.MQTT is nil")
	}
	if g.canPub != nil {
		t.Error("canPub should be nil when Config.CAN is nil")
	}
}

func TestNew_AdaptersPresentWhenConfigured(t *testing.T) {
	g := New(Config{
		Device: "pack-1",
		Link:   testLinkConfig(),
		MQTT:   &mqttadapter.Config{Broker: "tcp://localhost:1883"},
		CAN:    &canadapter.Config{Interface: "can0"},
	})
	if g.mqttPub == nil {
		t.Error("mqttPub should be set when Config.MQTT is non-nil")
	}
	if g.canPub == nil {
		t.Error("canPub should be set when Config.CAN is non-nil")
	}
}

func TestOnPollResponse_PublishesToBusAndSnapshot(t *testing.T) {
	g := New(Config{Device: "pack-1", Link: testLinkConfig()})
	sub := g.bus.Subscribe(bus.TopicLiveData)
	defer sub.Unsubscribe()

	ld := &model.LiveData{PackVoltageV: 52.4, StateOfChargePct: 88}
	g.onPollResponse(ld)

	select {
	case got := <-sub.C:
		gotLd, ok := got.(*model.LiveData)
		if !ok || gotLd.PackVoltageV != 52.4 {
			t.Fatalf("got %v, want LiveData with PackVoltageV=52.4", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TopicLiveData publish")
	}

	latest, ok := g.Latest()
	if !ok || latest.StateOfChargePct != 88 {
		t.Fatalf("Latest() = %v, %v; want the published snapshot", latest, ok)
	}
}

func TestOnFrame_PublishesRawAndDecoded(t *testing.T) {
	g := New(Config{Device: "pack-1", Link: testLinkConfig()})
	rawSub := g.bus.Subscribe(bus.TopicRawFrame)
	decodedSub := g.bus.Subscribe(bus.TopicDecodedFrame)
	defer rawSub.Unsubscribe()
	defer decodedSub.Unsubscribe()

	f := codec.VendorFrame{Opcode: codec.OpAck, Data: []byte{0x00}}
	g.onFrame(f)

	select {
	case got := <-rawSub.C:
		raw, ok := got.([]byte)
		if !ok || len(raw) == 0 {
			t.Fatalf("got %v, want non-empty encoded frame bytes", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TopicRawFrame publish")
	}

	select {
	case got := <-decodedSub.C:
		df, ok := got.(diagadapter.DecodedFrame)
		if !ok || df.Opcode != codec.OpAck.String() {
			t.Fatalf("got %v, want DecodedFrame with opcode %q", got, codec.OpAck.String())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TopicDecodedFrame publish")
	}
}

func TestDiagnostics_ReflectsPollerAndLinkCounters(t *testing.T) {
	g := New(Config{Device: "pack-1", Link: testLinkConfig()})

	got := g.Diagnostics()
	want := model.DiagCounters{}
	if got != want {
		t.Fatalf("Diagnostics() = %+v on a freshly constructed gateway, want all-zero %+v", got, want)
	}
}

// testLinkConfig supplies a Port so New's wiring has a non-empty
// configuration to work with; these tests never call Start, so no serial
// device is actually opened.
func testLinkConfig() link.Config {
	return link.Config{Port: "/dev/null"}
}
