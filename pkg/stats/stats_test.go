package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCountersAddAndSnapshot(t *testing.T) {
	var c Counters
	c.Add(true, Delta{PacketsReceived: 10, BytesReceived: 1000})
	c.Add(true, Delta{PacketsReceived: 5, BytesReceived: 500})

	snap := c.Snapshot()
	require.EqualValues(t, 15, snap.PacketsReceived)
	require.EqualValues(t, 1500, snap.BytesReceived)
}

func TestCountersFlowsActiveIsGauge(t *testing.T) {
	var c Counters
	c.Add(true, Delta{FlowsActive: 100})
	c.Add(true, Delta{FlowsActive: 90})

	require.EqualValues(t, 90, c.Snapshot().FlowsActive)
}

func TestAddTooManyFlowsDropIncrements(t *testing.T) {
	var c Counters
	c.AddTooManyFlowsDrop(true)
	c.AddTooManyFlowsDrop(true)

	require.EqualValues(t, 2, c.Snapshot().TooManyFlowsDrops)
}

func TestAddParsingErrorBounds(t *testing.T) {
	var c Counters
	c.AddParsingError(0, true)
	c.AddParsingError(-1, true)
	c.AddParsingError(1000, true)
	require.EqualValues(t, 1, c.ParsingErrors[0])
}

func TestRequestReloadRoundTrip(t *testing.T) {
	s := NewSignals()

	go func() {
		req := <-s.Reloads()
		req.Done <- nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, s.RequestReload(ctx, ReloadReasonSignal))
}

func TestRequestReloadRespectsContextCancellation(t *testing.T) {
	s := NewSignals()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.RequestReload(ctx, ReloadReasonSignal)
	require.Error(t, err)
}
