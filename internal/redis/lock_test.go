package redisclient

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestLockKey(t *testing.T) {
	id := uuid.MustParse("6f1c2f43-1f3c-4c38-9a53-3f0c5d2b7e11")
	if got := LockKey(id); got != "lock:doctor:6f1c2f43-1f3c-4c38-9a53-3f0c5d2b7e11" {
		t.Errorf("LockKey = %q", got)
	}
}

func TestLocalLocker_SerializesPerDoctor(t *testing.T) {
	l := NewLocalLocker()
	doctor := uuid.New()

	var (
		wg      sync.WaitGroup
		inside  int32
		maxSeen int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.WithDoctorLock(context.Background(), doctor, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
}

func TestLocalLocker_DoctorsAreIndependent(t *testing.T) {
	l := NewLocalLocker()
	a, b := uuid.New(), uuid.New()

	err := l.WithDoctorLock(context.Background(), a, func(ctx context.Context) error {
		// Holding a's lock must not block b.
		return l.WithDoctorLock(ctx, b, func(context.Context) error { return nil })
	})
	if err != nil {
		t.Fatalf("nested lock on another doctor: %v", err)
	}
}

func TestLocalLocker_ContextCancelledWhileWaiting(t *testing.T) {
	l := NewLocalLocker()
	doctor := uuid.New()
	held := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = l.WithDoctorLock(context.Background(), doctor, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	called := false
	err := l.WithDoctorLock(ctx, doctor, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if called {
		t.Error("critical section ran without the lock")
	}
}

func TestLocalLocker_PropagatesError(t *testing.T) {
	l := NewLocalLocker()
	want := errors.New("boom")

	if err := l.WithDoctorLock(context.Background(), uuid.New(), func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisLocker_WaitsForHolder(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRedisDoctorLocker(rdb, 2*time.Second, zerolog.Nop())
	doctor := uuid.New()

	var (
		wg      sync.WaitGroup
		inside  int32
		maxSeen int32
		ran     int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithDoctorLock(context.Background(), doctor, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				if n > atomic.LoadInt32(&maxSeen) {
					atomic.StoreInt32(&maxSeen, n)
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&ran, 1)
				return nil
			})
			if err != nil {
				t.Errorf("WithDoctorLock: %v", err)
			}
		}()
	}
	wg.Wait()

	if ran != 4 {
		t.Errorf("sections run = %d, want 4", ran)
	}
	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
	if mr.Exists(LockKey(doctor)) {
		t.Error("lock key left behind after release")
	}
}

func TestRedisLocker_GivesUpAfterTTL(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRedisDoctorLocker(rdb, 50*time.Millisecond, zerolog.Nop())
	doctor := uuid.New()

	// Another process holds the key and never releases it.
	if err := mr.Set(LockKey(doctor), "someone-else"); err != nil {
		t.Fatalf("seed key: %v", err)
	}

	called := false
	err := l.WithDoctorLock(context.Background(), doctor, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("err = %v, want ErrLockNotAcquired", err)
	}
	if called {
		t.Error("critical section ran without the lock")
	}
	if got, _ := mr.Get(LockKey(doctor)); got != "someone-else" {
		t.Errorf("foreign key overwritten: %q", got)
	}
}

func TestRedisLocker_ContextCancelledWhileWaiting(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRedisDoctorLocker(rdb, 5*time.Second, zerolog.Nop())
	doctor := uuid.New()
	if err := mr.Set(LockKey(doctor), "someone-else"); err != nil {
		t.Fatalf("seed key: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := l.WithDoctorLock(ctx, doctor, func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestRedisLocker_ReleaseFailureIsLogged(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()

	var buf bytes.Buffer
	l := NewRedisDoctorLocker(rdb, time.Second, zerolog.New(&buf))

	err = l.WithDoctorLock(context.Background(), uuid.New(), func(context.Context) error {
		mr.Close()
		return nil
	})
	if err != nil {
		t.Fatalf("WithDoctorLock: %v", err)
	}
	if !strings.Contains(buf.String(), "doctor lock not released") {
		t.Errorf("log = %q, want release failure", buf.String())
	}
}
