// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replay

import (
	"context"
	"testing"
	"time"
)

func TestPacer_ZeroIsUnbounded(t *testing.T) {
	p := NewPacer(context.Background(), 0)

	start := time.Now()
	for i := 0; i < 1000; i++ {
		if err := p.Wait(); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("expected near-instant emission, took %v", elapsed)
	}
}

func TestPacer_NegativeIsUnbounded(t *testing.T) {
	p := NewPacer(context.Background(), -1)
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestPacer_RespectsRate(t *testing.T) {
	// 20 amostras/s, burst=20: a amostra 25 só libera depois de
	// consumir o burst, então deve levar pelo menos ~200ms.
	p := NewPacer(context.Background(), 20)

	start := time.Now()
	for i := 0; i < 25; i++ {
		if err := p.Wait(); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	if elapsed < 100*time.Millisecond {
		t.Errorf("pacer too fast: 25 samples @ 20/s took %v", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("pacer too slow: 25 samples @ 20/s took %v", elapsed)
	}
}

func TestPacer_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPacer(ctx, 1) // 1/s, muito lento

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	// Consome o burst inicial (1 token) e então bloqueia até o cancel.
	if err := p.Wait(); err != nil {
		t.Fatalf("first Wait should consume burst without error: %v", err)
	}
	if err := p.Wait(); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
