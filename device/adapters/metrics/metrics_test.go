package metrics

import "testing"

func TestClassify_Critical(t *testing.T) {
	if got := classify(CriticalFreeBytes-1, 0); got != HealthCritical {
		t.Errorf("classify() = %q, want critical", got)
	}
}

func TestClassify_WarningOnLowFree(t *testing.T) {
	if got := classify(WarningFreeBytes-1, 0); got != HealthWarning {
		t.Errorf("classify() = %q, want warning", got)
	}
}

func TestClassify_WarningOnFragmentation(t *testing.T) {
	if got := classify(WarningFreeBytes+1024, WarningFragmentationPct+0.1); got != HealthWarning {
		t.Errorf("classify() = %q, want warning", got)
	}
}

func TestClassify_OK(t *testing.T) {
	if got := classify(WarningFreeBytes+1024, 10); got != HealthOK {
		t.Errorf("classify() = %q, want ok", got)
	}
}

func TestSample_PopulatesSnapshotAndTracksMinimum(t *testing.T) {
	p := New()

	first, err := p.Sample()
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if first.MinimumFreeEver != first.TotalFreeBytes {
		t.Errorf("MinimumFreeEver = %d, want %d on first sample", first.MinimumFreeEver, first.TotalFreeBytes)
	}
	if first.HeapInfo.HeapSysBytes == 0 {
		t.Error("HeapInfo.HeapSysBytes = 0, want nonzero for a running process")
	}

	second, err := p.Sample()
	if err != nil {
		t.Fatalf("second Sample() error = %v", err)
	}
	if second.MinimumFreeEver > first.MinimumFreeEver {
		t.Errorf("MinimumFreeEver increased from %d to %d across samples", first.MinimumFreeEver, second.MinimumFreeEver)
	}
}

func TestGather_ReturnsRegisteredFamilies(t *testing.T) {
	p := New()
	if _, err := p.Sample(); err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	families, err := p.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) != 7 {
		t.Errorf("len(families) = %d, want 7 registered gauges", len(families))
	}
}
