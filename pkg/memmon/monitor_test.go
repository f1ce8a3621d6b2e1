package memmon

import (
	"context"
	"sync"
	"testing"
	"time"
)

// scriptedSampler returns HeapAlloc values in order, repeating the last one
type scriptedSampler struct {
	mu     sync.Mutex
	values []uint64
	calls  int
}

func (s *scriptedSampler) Sample() MemorySample {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.calls
	if idx >= len(s.values) {
		idx = len(s.values) - 1
	}
	s.calls++
	return MemorySample{Timestamp: time.Now(), HeapAlloc: s.values[idx]}
}

func TestNewMemoryMonitor_Defaults(t *testing.T) {
	monitor := NewMemoryMonitor(MonitorConfig{})

	if monitor.config.SampleInterval != 30*time.Second {
		t.Errorf("SampleInterval = %v, want 30s", monitor.config.SampleInterval)
	}
	if monitor.config.Sampler == nil {
		t.Error("Sampler should default to the runtime sampler")
	}
	if monitor.UnderPressure() {
		t.Error("monitor without samples must not report pressure")
	}
}

func TestMemoryMonitor_StartStop(t *testing.T) {
	config := DefaultMonitorConfig()
	config.SampleInterval = 10 * time.Millisecond
	monitor := NewMemoryMonitor(config)

	if err := monitor.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start monitor: %v", err)
	}
	if err := monitor.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for monitor.GetStats().SampleCount < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := monitor.GetStats().SampleCount; got < 2 {
		t.Errorf("Expected at least 2 samples, got %d", got)
	}

	if err := monitor.Stop(); err != nil {
		t.Fatalf("Failed to stop monitor: %v", err)
	}
	if err := monitor.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}
}

func TestMemoryMonitor_Pressure(t *testing.T) {
	sampler := &scriptedSampler{values: []uint64{100, 500, 50}}
	var pressured []uint64
	monitor := NewMemoryMonitor(MonitorConfig{
		PressureLimit: 200,
		Sampler:       sampler.Sample,
		OnPressure: func(sample MemorySample) {
			pressured = append(pressured, sample.HeapAlloc)
		},
	})

	monitor.Sample()
	if monitor.UnderPressure() {
		t.Error("100 bytes is under the limit")
	}

	monitor.Sample()
	if !monitor.UnderPressure() {
		t.Error("500 bytes is over the limit")
	}

	monitor.Sample()
	if monitor.UnderPressure() {
		t.Error("pressure should clear once usage drops")
	}

	if len(pressured) != 1 || pressured[0] != 500 {
		t.Errorf("OnPressure calls = %v, want [500]", pressured)
	}
	if stats := monitor.GetStats(); stats.PressureEvents != 1 {
		t.Errorf("PressureEvents = %d, want 1", stats.PressureEvents)
	}
}

func TestMemoryMonitor_GrowthAndHistory(t *testing.T) {
	sampler := &scriptedSampler{values: []uint64{100, 150, 200, 250}}
	monitor := NewMemoryMonitor(MonitorConfig{MaxSamples: 3, Sampler: sampler.Sample})

	for i := 0; i < 4; i++ {
		monitor.Sample()
	}

	stats := monitor.GetStats()
	if stats.GrowthSinceBaseline != 150 {
		t.Errorf("GrowthSinceBaseline = %v, want 150", stats.GrowthSinceBaseline)
	}
	if samples := monitor.GetSamples(); len(samples) != 3 || samples[0].HeapAlloc != 150 {
		t.Errorf("history should keep the last 3 samples, got %+v", samples)
	}

	monitor.ResetBaseline()
	if got := monitor.GetStats().GrowthSinceBaseline; got != 0 {
		t.Errorf("GrowthSinceBaseline after reset = %v, want 0", got)
	}
}

func TestReadRuntimeSample(t *testing.T) {
	sample := ReadRuntimeSample()
	if sample.HeapAlloc == 0 || sample.NumGoroutine == 0 {
		t.Errorf("runtime sample looks empty: %+v", sample)
	}
}
