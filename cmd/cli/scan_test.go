package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/scanning"
	"github.com/anstrom/portsweep/internal/services"
)

func newTestService(t *testing.T, prober scanning.Prober) *services.ScanService {
	t.Helper()
	svc := services.NewScanService(services.Config{
		Logger:        logging.Discard(),
		EngineOptions: []scanning.Option{scanning.WithProber(prober)},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func openOn(ports ...uint16) scanning.ProberFunc {
	return func(_ context.Context, _ netip.Addr, port uint16, _ time.Duration) scanning.ProbeResult {
		for _, p := range ports {
			if p == port {
				return scanning.ProbeResult{Port: port, Outcome: scanning.OutcomeOpen}
			}
		}
		return scanning.ProbeResult{Port: port, Outcome: scanning.OutcomeClosed}
	}
}

func TestExecuteScan(t *testing.T) {
	svc := newTestService(t, openOn(22, 443))

	var status bytes.Buffer
	summary, err := executeScan(context.Background(), svc, scanning.ScanRequest{
		Target:      "127.0.0.1",
		Ports:       scanning.MustPortRange(21, 22, 80, 443),
		Concurrency: 2,
		Timeout:     time.Second,
	}, &status)
	require.NoError(t, err)

	assert.Equal(t, scanning.StateCompleted, summary.State)
	assert.Equal(t, []uint16{22, 443}, summary.OpenPorts)
	assert.Equal(t, 2, summary.ClosedCount)
	assert.Contains(t, status.String(), "Scanning 127.0.0.1 (127.0.0.1): 4 ports")

	var out bytes.Buffer
	require.NoError(t, scanning.PrintSummaryJSON(&out, summary))
	var decoded scanning.ScanSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, summary.ID, decoded.ID)
	assert.Equal(t, summary.OpenPorts, decoded.OpenPorts)
}

func TestExecuteScanCancelledByContext(t *testing.T) {
	slow := scanning.ProberFunc(func(ctx context.Context, _ netip.Addr, port uint16, _ time.Duration) scanning.ProbeResult {
		select {
		case <-ctx.Done():
		case <-time.After(20 * time.Millisecond):
		}
		return scanning.ProbeResult{Port: port, Outcome: scanning.OutcomeClosed}
	})
	svc := newTestService(t, slow)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var status bytes.Buffer
	summary, err := executeScan(ctx, svc, scanning.ScanRequest{
		Target:      "127.0.0.1",
		Ports:       scanning.FullRange(),
		Concurrency: 1,
		Timeout:     time.Second,
		GracePeriod: 50 * time.Millisecond,
	}, &status)
	require.NoError(t, err)

	assert.Equal(t, scanning.StateCancelled, summary.State)
	assert.True(t, summary.Partial)
	assert.Less(t, summary.Completed, summary.TotalRequested)
	assert.Contains(t, status.String(), "Cancelling scan")
}

func TestExecuteScanRejectsInvalidTarget(t *testing.T) {
	svc := newTestService(t, openOn())

	_, err := executeScan(context.Background(), svc, scanning.ScanRequest{
		Target: "",
		Ports:  scanning.MustPortRange(80),
	}, &bytes.Buffer{})
	assert.Error(t, err)
}

// stalledResolver blocks until ctx ends, like a DNS lookup interrupted by Ctrl-C.
type stalledResolver struct{}

func (stalledResolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	<-ctx.Done()
	return netip.Addr{}, errors.NewResolutionError(host, ctx.Err())
}

func TestExecuteScanInterruptedDuringResolution(t *testing.T) {
	svc := services.NewScanService(services.Config{
		Logger: logging.Discard(),
		EngineOptions: []scanning.Option{
			scanning.WithResolver(stalledResolver{}),
			scanning.WithProber(openOn()),
		},
	})
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := executeScan(ctx, svc, scanning.ScanRequest{
		Target: "slow.example",
		Ports:  scanning.MustPortRange(80),
	}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeCanceled, errors.GetCode(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
