package port

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"
)

// Reservations records ports that have been claimed but whose worker
// container may not exist yet.
type Reservations interface {
	// Reserve atomically records port as claimed. It returns false if the
	// port is already reserved.
	Reserve(ctx context.Context, port int) (bool, error)

	// Release removes the reservation for port. Releasing a port that is
	// not reserved is not an error.
	Release(ctx context.Context, port int) error
}

// MemoryReservations keeps reservations in process memory. It is enough
// when a single fleetctl process manages the fleet.
type MemoryReservations struct {
	m *xsync.Map[int, time.Time]
}

// NewMemoryReservations returns an empty in-process reservation store.
func NewMemoryReservations() *MemoryReservations {
	return &MemoryReservations{m: xsync.NewMap[int, time.Time]()}
}

// Reserve implements Reservations.
func (r *MemoryReservations) Reserve(_ context.Context, port int) (bool, error) {
	_, loaded := r.m.LoadOrStore(port, time.Now())
	return !loaded, nil
}

// Release implements Reservations.
func (r *MemoryReservations) Release(_ context.Context, port int) error {
	r.m.Delete(port)
	return nil
}

// Len returns the number of outstanding reservations.
func (r *MemoryReservations) Len() int {
	return r.m.Size()
}

// redisCmd is the subset of the go-redis client used by RedisReservations.
type redisCmd interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisReservations keeps reservations in Redis so several fleetctl
// processes managing the same host never claim the same port. Each
// reservation expires after ttl, so a process that dies mid-claim does not
// leak the port forever.
type RedisReservations struct {
	client redisCmd
	prefix string
	ttl    time.Duration
	owner  string
}

// NewRedisReservations returns a Redis-backed store. Keys are
// keyPrefix + port, e.g. "fleet:port:8001".
func NewRedisReservations(client redis.Cmdable, keyPrefix string, ttl time.Duration) *RedisReservations {
	return newRedisReservations(client, keyPrefix, ttl)
}

func newRedisReservations(client redisCmd, keyPrefix string, ttl time.Duration) *RedisReservations {
	host, _ := os.Hostname()
	return &RedisReservations{
		client: client,
		prefix: keyPrefix,
		ttl:    ttl,
		// Stored as the value so an operator can see who holds a port.
		owner: host + ":" + strconv.Itoa(os.Getpid()),
	}
}

func (r *RedisReservations) key(port int) string {
	return r.prefix + strconv.Itoa(port)
}

// Reserve implements Reservations with SET NX, which is atomic on the
// Redis server.
func (r *RedisReservations) Reserve(ctx context.Context, port int) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(port), r.owner, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", r.key(port), err)
	}
	return ok, nil
}

// Release implements Reservations.
func (r *RedisReservations) Release(ctx context.Context, port int) error {
	if err := r.client.Del(ctx, r.key(port)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", r.key(port), err)
	}
	return nil
}

// NewRedisClient connects to Redis at addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}
