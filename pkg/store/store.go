// Package store persists charge configuration and broadcasts engine
// snapshots through Redis. It has no dependency on pkg/engine's types
// beyond what it's given to encode, so the engine itself never imports
// Redis: the store is a subscriber of the observer bus and a pre-start
// hook, not part of the state machine.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyChargeState = "chargie:charge_state"
	chanStatus     = "chargie:status"
	keyCommandList = "chargie:commands"

	fieldChargeMax          = "charge_max"
	fieldChargeMin          = "charge_min"
	fieldTelemetryInterval  = "telemetry_interval"
	fieldPDMode             = "pd_mode"
)

// Store wraps a Redis client with the small set of operations the daemon
// needs: persisting charge configuration, broadcasting status snapshots,
// and watching for remote override commands.
type Store struct {
	client *redis.Client
	ctx    context.Context
}

// New connects to Redis at addr, verifying the connection with a ping.
func New(addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}

	return &Store{client: client, ctx: ctx}, nil
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// ChargeState is the subset of charge configuration persisted across
// restarts.
type ChargeState struct {
	ChargeMax         int
	ChargeMin         int
	TelemetryInterval int
	PDMode            int
}

// SaveChargeState writes the given fields to a single Redis hash with one
// multi-field HSet, mirroring the teacher's WriteAndPublishString pattern but
// without the per-field publish (PublishStatus handles broadcast instead).
func (s *Store) SaveChargeState(max, min, telemetryInterval, pdMode int) error {
	return s.client.HSet(s.ctx, keyChargeState,
		fieldChargeMax, max,
		fieldChargeMin, min,
		fieldTelemetryInterval, telemetryInterval,
		fieldPDMode, pdMode,
	).Err()
}

// LoadChargeState reads back the persisted hash. A missing key is reported
// via the returned error so the caller can fall back to defaults; a
// malformed individual field is logged and simply omitted from the result
// rather than failing the whole load.
func (s *Store) LoadChargeState() (*ChargeState, error) {
	values, err := s.client.HGetAll(s.ctx, keyChargeState).Result()
	if err != nil {
		return nil, fmt.Errorf("store: load charge state: %w", err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("store: no persisted charge state")
	}

	state := &ChargeState{}
	if v, ok := parseIntField(values, fieldChargeMax); ok {
		state.ChargeMax = v
	}
	if v, ok := parseIntField(values, fieldChargeMin); ok {
		state.ChargeMin = v
	}
	if v, ok := parseIntField(values, fieldTelemetryInterval); ok {
		state.TelemetryInterval = v
	}
	if v, ok := parseIntField(values, fieldPDMode); ok {
		state.PDMode = v
	}
	return state, nil
}

func parseIntField(values map[string]string, field string) (int, bool) {
	raw, present := values[field]
	if !present {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("store: persisted field %s=%q is not an integer, ignoring", field, raw)
		return 0, false
	}
	return v, true
}

// PublishStatus publishes a JSON-encoded snapshot to the status channel.
// Unlike the teacher's per-characteristic publishes, the engine snapshot is
// one cohesive document, so it goes out as a single message.
func (s *Store) PublishStatus(snapshot any) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	return s.client.Publish(s.ctx, chanStatus, payload).Err()
}

// WatchOverrideCommands blocks on BRPOP against the command list, pushing
// each popped command onto the returned channel until the stop function is
// called or the context is cancelled. Grounded on the teacher's
// WatchRedisCommands/KeyBLECommandList loop, repurposed to carry
// "override:on"/"override:off"/"override:auto"/"start"/"stop" commands
// instead of bluetooth-bond commands.
func (s *Store) WatchOverrideCommands(ctx context.Context) (<-chan string, func()) {
	out := make(chan string)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			default:
			}

			result, err := s.client.BRPop(ctx, 1*time.Second, keyCommandList).Result()
			if err != nil {
				if err == redis.Nil || err == context.Canceled || err == context.DeadlineExceeded {
					continue
				}
				log.Printf("store: BRPOP on %s failed: %v", keyCommandList, err)
				continue
			}
			if len(result) != 2 {
				continue
			}
			select {
			case out <- result[1]:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() { close(done) }
	return out, stop
}
