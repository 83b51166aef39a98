package keypool

import (
	"sync"
	"testing"
)

func newTestPool(t *testing.T, keys ...string) *Pool {
	t.Helper()
	p, err := New(keys, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func TestNewRejectsEmptyKeyList(t *testing.T) {
	if _, err := New(nil, nil); err != ErrNoCredentials {
		t.Errorf("Expected ErrNoCredentials, got %v", err)
	}
}

func TestRotateVisitsEveryOtherKeyOnce(t *testing.T) {
	p := newTestPool(t, "k1", "k2", "k3", "k4")

	seen := []int{p.CurrentIndex()}
	for i := 0; i < 3; i++ {
		if !p.Rotate() {
			t.Fatalf("Rotate %d failed unexpectedly", i)
		}
		seen = append(seen, p.CurrentIndex())
	}

	// Four keys: a full cycle of rotations visits 1, 2, 3 then wraps to 0.
	want := []int{0, 1, 2, 3}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Rotation order %v, want %v", seen, want)
			break
		}
	}

	if !p.Rotate() {
		t.Fatal("Rotate should wrap around")
	}
	if p.CurrentIndex() != 0 {
		t.Errorf("Expected wrap to index 0, got %d", p.CurrentIndex())
	}
}

func TestRotateSingleKeyAlwaysFalse(t *testing.T) {
	p := newTestPool(t, "only")

	for i := 0; i < 3; i++ {
		if p.Rotate() {
			t.Fatal("Rotate on a single-key pool must return false")
		}
	}
	// A lone healthy key is not exhaustion.
	if ev := p.TakeLastEvent(); ev != nil && ev.Kind == AllKeysExhausted {
		t.Errorf("Unexpected exhaustion event: %+v", ev)
	}
}

func TestRotateSkipsFailedKey(t *testing.T) {
	p := newTestPool(t, "k1", "k2", "k3")

	if !p.Rotate() {
		t.Fatal("first rotate failed")
	}
	if p.CurrentIndex() != 1 {
		t.Fatalf("Expected current=1, got %d", p.CurrentIndex())
	}

	p.MarkCurrentFailed()
	if !p.Rotate() {
		t.Fatal("rotate after failure should succeed")
	}
	if p.CurrentIndex() != 2 {
		t.Errorf("Expected k2 skipped, current=2, got %d", p.CurrentIndex())
	}
	if p.HealthyCount() != 2 {
		t.Errorf("Expected 2 healthy, got %d", p.HealthyCount())
	}
}

func TestAllKeysExhausted(t *testing.T) {
	p := newTestPool(t, "k1", "k2")

	p.MarkCurrentFailed()
	if !p.Rotate() {
		t.Fatal("rotate to k2 should succeed")
	}
	p.MarkCurrentFailed()

	if p.Rotate() {
		t.Fatal("rotate with no healthy keys must fail")
	}
	if p.HealthyCount() != 0 {
		t.Errorf("Expected 0 healthy, got %d", p.HealthyCount())
	}

	ev := p.TakeLastEvent()
	if ev == nil {
		t.Fatal("Expected an exhaustion event")
	}
	if ev.Kind != AllKeysExhausted {
		t.Errorf("Expected AllKeysExhausted, got %s", ev.Kind)
	}
	if ev.RemainingHealthy != 0 {
		t.Errorf("Expected remainingHealthy=0, got %d", ev.RemainingHealthy)
	}
	if ev.TotalKeys != 2 {
		t.Errorf("Expected totalKeys=2, got %d", ev.TotalKeys)
	}
}

func TestMarkCurrentFailedIsIdempotentOnHealthCount(t *testing.T) {
	p := newTestPool(t, "k1", "k2", "k3")

	p.MarkCurrentFailed()
	p.MarkCurrentFailed()
	p.MarkCurrentFailed()

	if p.HealthyCount() != 2 {
		t.Errorf("Repeated marking must not double-decrement: healthy=%d, want 2", p.HealthyCount())
	}

	ev := p.TakeLastEvent()
	if ev == nil || ev.Kind != KeyFailed {
		t.Fatalf("Expected KeyFailed event, got %+v", ev)
	}
}

func TestCurrentFailsAfterMark(t *testing.T) {
	p := newTestPool(t, "k1", "k2")

	if _, err := p.Current(); err != nil {
		t.Fatalf("Current on fresh pool failed: %v", err)
	}

	p.MarkCurrentFailed()
	if _, err := p.Current(); err != ErrNoHealthyCredential {
		t.Errorf("Expected ErrNoHealthyCredential, got %v", err)
	}

	if !p.Rotate() {
		t.Fatal("rotate failed")
	}
	secret, err := p.Current()
	if err != nil {
		t.Fatalf("Current after rotate failed: %v", err)
	}
	if secret != "k2" {
		t.Errorf("Expected k2, got %q", secret)
	}
}

func TestTakeLastEventConsumeOnce(t *testing.T) {
	p := newTestPool(t, "k1", "k2")

	p.MarkCurrentFailed()
	if ev := p.TakeLastEvent(); ev == nil {
		t.Fatal("Expected event on first read")
	}
	if ev := p.TakeLastEvent(); ev != nil {
		t.Errorf("Second read must be nil, got %+v", ev)
	}
}

func TestRotatedEventCarriesIndices(t *testing.T) {
	p := newTestPool(t, "k1", "k2", "k3")

	p.MarkCurrentFailed()
	if !p.Rotate() {
		t.Fatal("rotate failed")
	}

	ev := p.TakeLastEvent()
	if ev == nil || ev.Kind != KeyRotated {
		t.Fatalf("Expected KeyRotated, got %+v", ev)
	}
	if ev.FailedIndex != 0 || ev.NewIndex != 1 {
		t.Errorf("Expected 0 -> 1, got %d -> %d", ev.FailedIndex, ev.NewIndex)
	}
	if ev.RemainingHealthy != 2 {
		t.Errorf("Expected remainingHealthy=2, got %d", ev.RemainingHealthy)
	}
}

func TestResetFailedRestoresAll(t *testing.T) {
	p := newTestPool(t, "k1", "k2", "k3")

	p.MarkCurrentFailed()
	p.Rotate()
	p.MarkCurrentFailed()

	if restored := p.ResetFailed(); restored != 2 {
		t.Errorf("Expected 2 restored, got %d", restored)
	}
	if p.HealthyCount() != 3 {
		t.Errorf("Expected 3 healthy after reset, got %d", p.HealthyCount())
	}
}

func TestConcurrentMutationKeepsCountsConsistent(t *testing.T) {
	p := newTestPool(t, "k1", "k2", "k3", "k4", "k5")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.RecordSuccess()
			p.MarkCurrentFailed()
			p.Rotate()
			p.TakeLastEvent()
		}()
	}
	wg.Wait()

	healthy := p.HealthyCount()
	if healthy < 0 || healthy > 5 {
		t.Errorf("Healthy count out of range: %d", healthy)
	}
	if p.TotalCount() != 5 {
		t.Errorf("Total count changed: %d", p.TotalCount())
	}
}
