package portpool

import (
	"errors"
	"testing"
)

func TestAllocateReturnsEvenOddPairs(t *testing.T) {
	p := New(20000, 20009)

	rtp, rtcp, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if rtp%2 != 0 {
		t.Errorf("RTP port %d is odd", rtp)
	}
	if rtcp != rtp+1 {
		t.Errorf("RTCP port = %d, want %d", rtcp, rtp+1)
	}
}

func TestAllocateUniquePorts(t *testing.T) {
	p := New(20000, 20009)
	seen := make(map[int]bool)

	for i := 0; i < 5; i++ {
		rtp, _, err := p.Allocate()
		if err != nil {
			t.Fatalf("Allocate() #%d error = %v", i, err)
		}
		if seen[rtp] {
			t.Errorf("port %d allocated twice", rtp)
		}
		seen[rtp] = true
	}
	if got := p.InUse(); got != 5 {
		t.Errorf("InUse() = %d, want 5", got)
	}
}

func TestExhaustion(t *testing.T) {
	p := New(20000, 20003)

	if _, _, err := p.Allocate(); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if _, _, err := p.Allocate(); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if _, _, err := p.Allocate(); !errors.Is(err, ErrExhausted) {
		t.Errorf("Allocate() error = %v, want ErrExhausted", err)
	}
}

func TestReleaseMakesPortAvailable(t *testing.T) {
	p := New(20000, 20003)

	rtp1, _, _ := p.Allocate()
	rtp2, _, _ := p.Allocate()
	p.Release(rtp1)
	p.Release(rtp2)
	if got := p.InUse(); got != 0 {
		t.Errorf("InUse() after release = %d, want 0", got)
	}

	if _, _, err := p.Allocate(); err != nil {
		t.Errorf("Allocate() after release error = %v", err)
	}
}

func TestOddMinPortRoundedUp(t *testing.T) {
	p := New(20001, 20010)
	rtp, _, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if rtp < 20002 || rtp%2 != 0 {
		t.Errorf("Allocate() = %d, want an even port >= 20002", rtp)
	}
}

func TestReleaseUnallocatedIsNoop(t *testing.T) {
	p := New(20000, 20009)
	p.Release(20000)
	if got := p.InUse(); got != 0 {
		t.Errorf("InUse() = %d, want 0", got)
	}
}
