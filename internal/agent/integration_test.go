// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vantage-edge/telemetry-agent/internal/buffer"
	"github.com/vantage-edge/telemetry-agent/internal/predictor"
	"github.com/vantage-edge/telemetry-agent/internal/replay"
	"github.com/vantage-edge/telemetry-agent/internal/testserver"
	"github.com/vantage-edge/telemetry-agent/internal/transport"
)

// flakyAtUploader forwards every call to inner except the call-th one
// (1-indexed), which fails with TransientFailure — used to pin a drain
// failure at an exact entry regardless of request timing.
type flakyAtUploader struct {
	inner      Uploader
	failAtCall int
	call       int
}

func (f *flakyAtUploader) Upload(ctx context.Context, vin string, payload []byte) (transport.Result, error) {
	f.call++
	if f.call == f.failAtCall {
		return transport.TransientFailure, io.ErrUnexpectedEOF
	}
	return f.inner.Upload(ctx, vin, payload)
}

// offlineOnlineSampleLog writes n offline samples followed by one
// final "return to online" sample, scaled down from the spec's S3/S4
// literal counts (50) to keep the 100ms drain pacing from dominating
// test runtime, while still exercising ordering and resume-on-failure.
func offlineOnlineSampleLog(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "samples.jsonl")

	var b strings.Builder
	for i := 0; i < n+1; i++ {
		fmt.Fprintf(&b, `{"timestamp":%d,"odometer":%f,"speed":65,"power":10,"battery":80,"heading":90}`+"\n", i, float64(i)*0.01)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("writing sample log: %v", err)
	}
	return path
}

func newIntegrationAgent(t *testing.T, sampleLogPath string, srv *testserver.Server, upOverride Uploader) *Agent {
	t.Helper()
	src, err := replay.OpenSource(sampleLogPath)
	if err != nil {
		t.Fatalf("OpenSource: %v", err)
	}
	t.Cleanup(func() { src.Close() })

	buf, err := buffer.Open(t.TempDir(), "VINTEST", buffer.CompressionZstd, testLogger())
	if err != nil {
		t.Fatalf("buffer.Open: %v", err)
	}
	t.Cleanup(func() { buf.Close() })

	up := upOverride
	if up == nil {
		up = transport.New(transport.Config{Address: srv.URL, Timeout: time.Second})
	}
	pred := predictor.New(predictor.DefaultConfig())
	link := NewLinkState()
	pacer := replay.NewPacer(context.Background(), 0)

	return New("VINTEST", src, pred, buf, up, nil, link, pacer, testLogger())
}

// TestIntegration_OfflineToOnlineDrain mirrors spec scenario S3: N
// samples collected offline, then one sample after returning online
// must trigger a drain before its own upload, in order, each followed
// by the paced delay.
func TestIntegration_OfflineToOnlineDrain(t *testing.T) {
	const n = 10
	srv := testserver.New()
	defer srv.Close()

	path := offlineOnlineSampleLog(t, n)
	a := newIntegrationAgent(t, path, srv, nil)
	a.link.Toggle() // Offline

	ctx := context.Background()
	for i := 0; i < n; i++ {
		s, err := a.source.Next()
		if err != nil {
			t.Fatalf("Next (offline phase) %d: %v", i, err)
		}
		a.processSample(ctx, s)
	}

	if a.buf.Len() != n {
		t.Fatalf("expected %d buffered entries, got %d", n, a.buf.Len())
	}

	a.link.Toggle() // back Online
	s, err := a.source.Next()
	if err != nil {
		t.Fatalf("Next (online sample): %v", err)
	}
	a.processSample(ctx, s)

	received := srv.Received()
	if len(received) != n+1 {
		t.Fatalf("expected %d uploads (drain + live), got %d", n+1, len(received))
	}
	for i := 0; i < n; i++ {
		if received[i].Record.Timestamp != int64(i) {
			t.Fatalf("entry %d: expected timestamp %d, got %d", i, i, received[i].Record.Timestamp)
		}
		if !received[i].Record.IsResync {
			t.Fatalf("entry %d: expected buffered entries to be full resync records", i)
		}
	}
	if received[n].Record.Timestamp != int64(n) {
		t.Fatalf("expected live sample uploaded last with timestamp %d, got %d", n, received[n].Record.Timestamp)
	}
	if a.buf.Len() != 0 {
		t.Fatalf("expected buffer fully drained, got %d remaining", a.buf.Len())
	}
}

// TestIntegration_TransportFlakeDuringDrain mirrors spec scenario S4:
// the drain aborts on the first failing upload, leaving that entry and
// everything newer in the buffer for the next drain pass.
func TestIntegration_TransportFlakeDuringDrain(t *testing.T) {
	const n = 10
	const failAt = 5 // 0-indexed: drain entries 0..4 succeed, entry 5 fails and aborts the pass
	srv := testserver.New()
	defer srv.Close()

	real := transport.New(transport.Config{Address: srv.URL, Timeout: time.Second})
	flaky := &flakyAtUploader{inner: real, failAtCall: failAt + 1}

	path := offlineOnlineSampleLog(t, n)
	a := newIntegrationAgent(t, path, srv, flaky)
	a.link.Toggle() // Offline

	ctx := context.Background()
	for i := 0; i < n; i++ {
		s, err := a.source.Next()
		if err != nil {
			t.Fatalf("Next (offline phase) %d: %v", i, err)
		}
		a.processSample(ctx, s)
	}

	a.link.Toggle() // Online
	a.drain(ctx)

	remaining := a.buf.IterOldestFirst()
	if len(remaining) != n-failAt {
		t.Fatalf("expected %d entries retained after flake, got %d", n-failAt, len(remaining))
	}
	if remaining[0].Timestamp != int64(failAt) {
		t.Fatalf("expected retained entries to resume at timestamp %d, got %d", failAt, remaining[0].Timestamp)
	}

	// A second drain pass (simulating the next live sample returning
	// online) must resume from the retained entry and finish the rest.
	flaky.failAtCall = 0 // disarm: let every remaining call through
	a.drain(ctx)
	if a.buf.Len() != 0 {
		t.Fatalf("expected buffer fully drained on retry, got %d remaining", a.buf.Len())
	}
}

// TestIntegration_PredictorNotResetAcrossToggle mirrors spec scenario
// S6: the predictor's smoothed state must survive an offline period —
// a field reaching the same steady value afterwards must not
// retransmit.
func TestIntegration_PredictorNotResetAcrossToggle(t *testing.T) {
	srv := testserver.New()
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "samples.jsonl")
	lines := []string{
		`{"timestamp":0,"odometer":0,"speed":65,"power":10,"battery":80,"heading":90}`,
		`{"timestamp":1,"odometer":0.01,"speed":65,"power":10,"battery":80,"heading":90}`,
		`{"timestamp":2,"odometer":0.02,"speed":65,"power":10,"battery":80,"heading":90}`,
		`{"timestamp":3,"odometer":0.03,"speed":65,"power":10,"battery":80,"heading":90}`,
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	a := newIntegrationAgent(t, path, srv, nil)
	ctx := context.Background()

	// Sample 0: online, establishes steady state (resync).
	s0, _ := a.source.Next()
	a.processSample(ctx, s0)

	// Samples 1-2: offline.
	a.link.Toggle()
	s1, _ := a.source.Next()
	a.processSample(ctx, s1)
	s2, _ := a.source.Next()
	a.processSample(ctx, s2)

	// Sample 3: back online, same steady value as before the outage.
	a.link.Toggle()
	s3, _ := a.source.Next()
	a.processSample(ctx, s3)

	// Samples 1-2 were buffered as full records while offline and drain
	// ahead of sample 3's live upload: sample 0, drained 1, drained 2,
	// then sample 3.
	received := srv.Received()
	if len(received) != 4 {
		t.Fatalf("expected 4 uploads (1 live + 2 drained + 1 live), got %d", len(received))
	}
	last := received[len(received)-1].Record
	if last.Timestamp != 3 {
		t.Fatalf("expected last upload to be the live sample 3, got timestamp %d", last.Timestamp)
	}
	if last.IsResync {
		t.Fatalf("expected sample 3 to not resync (predictor retained steady state), got resync")
	}
	if last.Speed.Present || last.Power.Present || last.Battery.Present || last.Heading.Present {
		t.Fatalf("expected no optional fields transmitted for unchanged steady values after offline window, got %+v", last)
	}
}
