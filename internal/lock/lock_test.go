package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeBackend is an in-memory Backend with real expiry semantics, shared
// between Service instances to simulate separate processes.
type fakeBackend struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
	failing bool // when true, every call errors (datastore outage)
}

type fakeEntry struct {
	token     string
	expiresAt time.Time
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{entries: make(map[string]fakeEntry)}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) TryAcquire(_ context.Context, key, token string, expiry time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return false, errors.New("backend unreachable")
	}
	if e, ok := f.entries[key]; ok && time.Now().Before(e.expiresAt) {
		return false, nil
	}
	f.entries[key] = fakeEntry{token: token, expiresAt: time.Now().Add(expiry)}
	return true, nil
}

func (f *fakeBackend) Release(_ context.Context, key, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return false, errors.New("backend unreachable")
	}
	if e, ok := f.entries[key]; ok && e.token == token {
		delete(f.entries, key)
		return true, nil
	}
	return false, nil
}

func (f *fakeBackend) Extend(_ context.Context, key, token string, expiry time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return false, errors.New("backend unreachable")
	}
	if e, ok := f.entries[key]; ok && e.token == token && time.Now().Before(e.expiresAt) {
		f.entries[key] = fakeEntry{token: token, expiresAt: time.Now().Add(expiry)}
		return true, nil
	}
	return false, nil
}

func newTestService(b Backend) *Service {
	return NewService(b, WithPollInterval(5*time.Millisecond))
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	a := newTestService(backend)
	b := newTestService(backend)

	ok, err := a.Acquire(ctx, "k", 50*time.Millisecond, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	released, err := a.Release(ctx, "k")
	if err != nil || !released {
		t.Fatalf("release: ok=%v err=%v", released, err)
	}

	// A different caller succeeds immediately after release.
	ok, err = b.Acquire(ctx, "k", 10*time.Millisecond, time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestMutualExclusion(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	a := newTestService(backend)
	b := newTestService(backend)

	ok, err := a.Acquire(ctx, "k", 20*time.Millisecond, time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// Second caller times out rather than acquiring.
	ok, err = b.Acquire(ctx, "k", 30*time.Millisecond, time.Minute)
	if err != nil {
		t.Fatalf("contended acquire errored: %v", err)
	}
	if ok {
		t.Fatal("two holders of the same key")
	}
}

func TestOnlyOwnerCanRelease(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	a := newTestService(backend)
	b := newTestService(backend)

	if ok, _ := a.Acquire(ctx, "k", 20*time.Millisecond, time.Minute); !ok {
		t.Fatal("acquire failed")
	}

	// b never acquired, so Release is a no-op false.
	released, err := b.Release(ctx, "k")
	if err != nil {
		t.Fatalf("release err: %v", err)
	}
	if released {
		t.Fatal("non-owner released the lock")
	}

	// a still holds it.
	if ok, _ := b.Acquire(ctx, "k", 20*time.Millisecond, time.Minute); ok {
		t.Fatal("lock was lost to a non-owner release")
	}
}

func TestAcquireAfterExpiry(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	a := newTestService(backend)
	b := newTestService(backend)

	if ok, _ := a.Acquire(ctx, "k", 20*time.Millisecond, 20*time.Millisecond); !ok {
		t.Fatal("acquire failed")
	}

	// After the TTL lapses a crashed holder no longer blocks others.
	ok, err := b.Acquire(ctx, "k", 200*time.Millisecond, time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
	}
}

func TestHeartbeatExtendsOnlyWhileOwned(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	a := newTestService(backend)

	if ok, _ := a.Acquire(ctx, "k", 20*time.Millisecond, 100*time.Millisecond); !ok {
		t.Fatal("acquire failed")
	}

	ok, err := a.Heartbeat(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("heartbeat while owned: ok=%v err=%v", ok, err)
	}

	// Heartbeat on a key we never took.
	ok, err = a.Heartbeat(ctx, "other", time.Minute)
	if err != nil || ok {
		t.Fatalf("heartbeat on unowned key: ok=%v err=%v", ok, err)
	}
}

func TestBlockRunsUnderLock(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	a := newTestService(backend)
	b := newTestService(backend)

	ran := false
	err := a.Block(ctx, "k", 20*time.Millisecond, time.Minute, func(ctx context.Context) error {
		ran = true
		// Lock is held during fn.
		if ok, _ := b.Acquire(ctx, "k", 10*time.Millisecond, time.Minute); ok {
			t.Error("lock not held inside Block")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Block: %v", err)
	}
	if !ran {
		t.Fatal("fn never ran")
	}

	// Released after Block returns.
	if ok, _ := b.Acquire(ctx, "k", 20*time.Millisecond, time.Minute); !ok {
		t.Fatal("lock not released after Block")
	}
}

func TestBlockOutlivesExpiryViaHeartbeat(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	a := newTestService(backend)
	b := newTestService(backend)

	// fn runs several times longer than the lock's TTL. The heartbeat
	// must keep the hold alive the whole way.
	err := a.Block(ctx, "k", 20*time.Millisecond, 30*time.Millisecond, func(ctx context.Context) error {
		deadline := time.Now().Add(150 * time.Millisecond)
		for time.Now().Before(deadline) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if ok, _ := b.Acquire(ctx, "k", 0, time.Minute); ok {
				t.Error("contender acquired while the section was running")
			}
			time.Sleep(10 * time.Millisecond)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Block: %v", err)
	}

	if ok, _ := b.Acquire(ctx, "k", 20*time.Millisecond, time.Minute); !ok {
		t.Fatal("lock not released after Block")
	}
}

func TestBlockCancelsSectionWhenHoldLost(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	a := newTestService(backend)

	err := a.Block(ctx, "k", 20*time.Millisecond, 30*time.Millisecond, func(ctx context.Context) error {
		// Simulate the backend evicting the hold out from under us.
		backend.mu.Lock()
		delete(backend.entries, "k")
		backend.mu.Unlock()

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(time.Second):
			return nil
		}
	})
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("err = %v, want ErrLockLost", err)
	}
}

func TestBlockFailsFastWhenBusy(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	a := newTestService(backend)
	b := newTestService(backend)

	if ok, _ := a.Acquire(ctx, "k", 20*time.Millisecond, time.Minute); !ok {
		t.Fatal("acquire failed")
	}

	err := b.Block(ctx, "k", 20*time.Millisecond, time.Minute, func(context.Context) error {
		t.Error("fn ran despite contention")
		return nil
	})
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("err = %v, want ErrNotAcquired", err)
	}
}

func TestBackendErrorsFailClosed(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.failing = true
	a := newTestService(backend)

	ok, err := a.Acquire(ctx, "k", 20*time.Millisecond, time.Minute)
	if ok {
		t.Fatal("lock granted during backend outage")
	}
	if err == nil {
		t.Fatal("expected an error from a failing backend")
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()

	const n = 16
	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc := newTestService(backend)
			ok, err := svc.Acquire(ctx, "k", 10*time.Millisecond, time.Minute)
			if err != nil {
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}
