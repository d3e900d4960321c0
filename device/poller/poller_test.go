package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tinybms/gateway/core/codec"
	"github.com/tinybms/gateway/core/errs"
	"github.com/tinybms/gateway/core/model"
	"github.com/tinybms/gateway/core/registry"
	"github.com/tinybms/gateway/device/link"
)

// fakeLink is a minimal CommandLink double: it never touches a real serial
// port, so tests can drive poller/arbiter behavior deterministically.
type fakeLink struct {
	mu        sync.Mutex
	writes    [][]byte
	responses []fakeResponse // consumed in order, one per WriteAndAwait call
	flushes   int

	concurrent    int
	maxConcurrent int
}

type fakeResponse struct {
	frame   codec.VendorFrame
	err     error
	timeout bool
}

func (f *fakeLink) Write(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), frame...))
	return nil
}

func (f *fakeLink) FlushInput() {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
}

func (f *fakeLink) StatsSnapshot() link.Stats { return link.Stats{} }

func (f *fakeLink) WriteAndAwait(frame []byte, timeout time.Duration) (codec.VendorFrame, error) {
	if err := f.Write(frame); err != nil {
		return codec.VendorFrame{}, err
	}

	f.mu.Lock()
	f.concurrent++
	if f.concurrent > f.maxConcurrent {
		f.maxConcurrent = f.concurrent
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.concurrent--
		f.mu.Unlock()
	}()

	// Simulate a little wire latency so concurrent callers would overlap
	// if the arbiter's mutual exclusion were broken.
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	var resp fakeResponse
	if len(f.responses) > 0 {
		resp = f.responses[0]
		f.responses = f.responses[1:]
	} else {
		resp = fakeResponse{timeout: true}
	}
	f.mu.Unlock()

	if resp.timeout {
		return codec.VendorFrame{}, errs.New(errs.Timeout, "fake link: no response queued")
	}
	return resp.frame, resp.err
}

func ackFrame() codec.VendorFrame {
	return codec.VendorFrame{Opcode: codec.OpAck, Data: []byte{0x00}}
}

func readSingleFrame(value uint16) codec.VendorFrame {
	return codec.VendorFrame{Opcode: codec.OpReadSingleRegister, Data: []byte{byte(value), byte(value >> 8)}}
}

func pollFrame(words int) codec.VendorFrame {
	data := make([]byte, words*2)
	return codec.VendorFrame{Opcode: codec.OpReadRegisters, Data: data}
}

func TestNew_ClampsIntervalToBounds(t *testing.T) {
	p := New(Config{Interval: 0}, []uint16{1})
	if p.Interval() != DefaultInterval {
		t.Errorf("Interval() with zero config = %v, want %v", p.Interval(), DefaultInterval)
	}

	p = New(Config{Interval: 5 * time.Millisecond}, []uint16{1})
	if p.Interval() != MinInterval {
		t.Errorf("Interval() below floor = %v, want %v", p.Interval(), MinInterval)
	}

	p = New(Config{Interval: 10 * time.Second}, []uint16{1})
	if p.Interval() != MaxInterval {
		t.Errorf("Interval() above ceiling = %v, want %v", p.Interval(), MaxInterval)
	}
}

func TestPoller_DriftCompensatedSchedule(t *testing.T) {
	fl := &fakeLink{}
	for i := 0; i < 5; i++ {
		fl.responses = append(fl.responses, fakeResponse{frame: pollFrame(registry.TotalWordCount())})
	}

	var mu sync.Mutex
	var fireTimes []time.Time
	p := New(Config{
		Interval: MinInterval,
		Link:     fl,
		OnResponse: func(ld *model.LiveData) {
			mu.Lock()
			fireTimes = append(fireTimes, time.Now())
			mu.Unlock()
		},
	}, registry.Addresses())

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	time.Sleep(MinInterval*4 + MinInterval/2)
	cancel()
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(fireTimes) < 3 {
		t.Fatalf("got %d poll firings in ~4.5 intervals, want at least 3", len(fireTimes))
	}
	for i := 1; i < len(fireTimes); i++ {
		gap := fireTimes[i].Sub(fireTimes[i-1])
		// Drift-compensated scheduling keeps each gap close to Interval
		// even though pollOnce() itself takes a few ms; a plain
		// now+interval scheduler would accumulate that overhead instead.
		if gap < MinInterval-10*time.Millisecond || gap > MinInterval+30*time.Millisecond {
			t.Errorf("gap[%d] = %v, want close to %v", i, gap, MinInterval)
		}
	}
}

func TestPoller_PauseResumeHaltsPolling(t *testing.T) {
	fl := &fakeLink{}
	for i := 0; i < 20; i++ {
		fl.responses = append(fl.responses, fakeResponse{frame: pollFrame(registry.TotalWordCount())})
	}

	var count int
	var mu sync.Mutex
	p := New(Config{
		Interval: MinInterval,
		Link:     fl,
		OnResponse: func(ld *model.LiveData) {
			mu.Lock()
			count++
			mu.Unlock()
		},
	}, registry.Addresses())

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	defer func() {
		cancel()
		p.Stop()
	}()

	time.Sleep(MinInterval + MinInterval/2)

	pauseCtx, pauseCancel := context.WithTimeout(context.Background(), time.Second)
	if err := p.Pause(pauseCtx); err != nil {
		pauseCancel()
		t.Fatalf("Pause() error = %v", err)
	}
	pauseCancel()
	if p.State() != StatePaused {
		t.Errorf("State() after Pause = %v, want %v", p.State(), StatePaused)
	}

	mu.Lock()
	countAtPause := count
	mu.Unlock()

	time.Sleep(MinInterval * 3)

	mu.Lock()
	countWhilePaused := count
	mu.Unlock()
	if countWhilePaused != countAtPause {
		t.Errorf("count grew from %d to %d while paused, want no growth", countAtPause, countWhilePaused)
	}

	resumeCtx, resumeCancel := context.WithTimeout(context.Background(), time.Second)
	if err := p.Resume(resumeCtx); err != nil {
		resumeCancel()
		t.Fatalf("Resume() error = %v", err)
	}
	resumeCancel()

	time.Sleep(MinInterval * 3)
	mu.Lock()
	defer mu.Unlock()
	if count <= countWhilePaused {
		t.Errorf("count did not grow after Resume: before=%d after=%d", countWhilePaused, count)
	}
}

func TestDiagnostics_CountsMissingRegisters(t *testing.T) {
	fl := &fakeLink{responses: []fakeResponse{{frame: pollFrame(1)}}} // too short
	p := New(Config{Interval: MinInterval, Link: fl}, registry.Addresses())
	p.pollOnce()
	if got := p.Diagnostics().MissingRegisterErrors; got != 1 {
		t.Errorf("MissingRegisterErrors = %d, want 1", got)
	}
}
