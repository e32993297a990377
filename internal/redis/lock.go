package redisclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	ErrLockNotAcquired = errors.New("doctor lock not acquired")
)

const (
	minAcquireBackoff = 5 * time.Millisecond
	maxAcquireBackoff = 100 * time.Millisecond
)

// Locker serializes check-then-write sections per doctor across processes.
type Locker interface {
	WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error
}

type redisDoctorLocker struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedisDoctorLocker creates a locker that uses a per doctor Redis key.
// Waiters poll for at most one ttl, the longest a holder can keep the key.
func NewRedisDoctorLocker(client *redis.Client, ttl time.Duration, log zerolog.Logger) Locker {
	return &redisDoctorLocker{
		client: client,
		ttl:    ttl,
		log:    log.With().Str("component", "doctor_lock").Logger(),
	}
}

// LockKey is the Redis key guarding a doctor's calendar.
func LockKey(doctorID uuid.UUID) string {
	return fmt.Sprintf("lock:doctor:%s", doctorID.String())
}

func (l *redisDoctorLocker) WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	key := LockKey(doctorID)
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	// Release with a fresh context so a cancelled request still frees the key.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := l.release(releaseCtx, key, token); err != nil {
			l.log.Error().Err(err).
				Str("doctor_id", doctorID.String()).
				Dur("expires_in", l.ttl).
				Msg("doctor lock not released, held until expiry")
		}
	}()

	// The critical section must finish before the key can expire.
	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

// acquire polls SETNX with capped exponential backoff until the key is ours,
// ctx ends, or one ttl has passed.
func (l *redisDoctorLocker) acquire(ctx context.Context, key, token string) error {
	deadline := time.NewTimer(l.ttl)
	defer deadline.Stop()

	backoff := minAcquireBackoff
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire doctor lock: %w", err)
		}
		if ok {
			return nil
		}

		wait := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-deadline.C:
			wait.Stop()
			return ErrLockNotAcquired
		case <-wait.C:
		}
		if backoff *= 2; backoff > maxAcquireBackoff {
			backoff = maxAcquireBackoff
		}
	}
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *redisDoctorLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release doctor lock: %w", err)
	}
	return nil
}

// LocalLocker serializes per doctor within one process. It is used when no
// Redis address is configured.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[uuid.UUID]chan struct{})}
}

func (l *LocalLocker) WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	ch, ok := l.locks[doctorID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[doctorID] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-ch }()

	return fn(ctx)
}
