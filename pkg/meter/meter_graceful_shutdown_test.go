package meter

import (
	"sync"
	"testing"
	"time"

	"github.com/itohio/grindscale/pkg/sample"
	"github.com/stretchr/testify/assert"
)

// runMeter processes input in a goroutine and returns a channel closed when
// ProcessSamples returns.
func runMeter(m *Meter, input <-chan sample.WeightSample) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.ProcessSamples(input)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessSamples did not finish within timeout")
	}
}

// TestMeter_GracefulShutdown_NoCallbacksAfterClose tests that the meter stops
// sending callbacks after the input channel is closed.
func TestMeter_GracefulShutdown_NoCallbacksAfterClose(t *testing.T) {
	m := New(testConfig())

	var mu sync.Mutex
	count := 0
	m.OnUpdate(func(samples []sample.WeightSample, derivatives []float64, bursts []Burst) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	input := make(chan sample.WeightSample, 10)
	done := runMeter(m, input)
	for _, s := range ramp(time.Now(), 0, 0.1, 0.2) {
		input <- s
	}
	close(input)
	waitDone(t, done)

	mu.Lock()
	initial := count
	mu.Unlock()
	assert.Equal(t, 3, initial)

	// A late sample is still buffered but not announced.
	m.processSample(sample.WeightSample{Time: time.Now().Add(time.Second), Weight: 1})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, initial, count, "No callbacks should be sent after channel closes")
	assert.Len(t, m.Samples(), 4)
}

// TestMeter_ResetShutdown tests that ResetShutdown allows callbacks again.
func TestMeter_ResetShutdown(t *testing.T) {
	m := New(testConfig())

	var mu sync.Mutex
	count := 0
	m.OnUpdate(func(samples []sample.WeightSample, derivatives []float64, bursts []Burst) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	now := time.Now()
	input1 := make(chan sample.WeightSample, 10)
	done1 := runMeter(m, input1)
	input1 <- sample.WeightSample{Time: now, Weight: 0.1}
	input1 <- sample.WeightSample{Time: now.Add(100 * time.Millisecond), Weight: 0.2}
	close(input1)
	waitDone(t, done1)

	mu.Lock()
	count1 := count
	mu.Unlock()

	m.ResetShutdown()

	input2 := make(chan sample.WeightSample, 10)
	done2 := runMeter(m, input2)
	input2 <- sample.WeightSample{Time: now.Add(200 * time.Millisecond), Weight: 0.3}
	input2 <- sample.WeightSample{Time: now.Add(300 * time.Millisecond), Weight: 0.4}
	close(input2)
	waitDone(t, done2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, count1+2, count, "Callbacks should resume after ResetShutdown")
}
