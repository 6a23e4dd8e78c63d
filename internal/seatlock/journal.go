package seatlock

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"busline/internal/shared/constants"
	"busline/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// Journal writes seat state changes to Redis behind the store, so a restarted
// process can rebuild locks and bookings. Publish only enqueues; the Redis
// round trips happen on the journal goroutine, outside any seat mutex.
type Journal struct {
	redis   *redis.Client
	store   *Store
	log     *logger.Logger
	timeout time.Duration

	queue   chan journalEntry
	dropped atomic.Int64

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	done    chan struct{}
	stopped chan struct{}
	started atomic.Bool
}

type journalEntry struct {
	tripID  string
	event   *Event
	catalog []Seat
}

// Lua script that writes a seat state only if it is newer than what is stored.
// Events of one seat are enqueued in order, but a checkpoint may race them.
const luaJournalSeatState = `
-- KEYS[1] = state hash
-- KEYS[2] = version hash
-- KEYS[3] = trips set
-- ARGV[1] = seat_id
-- ARGV[2] = version
-- ARGV[3] = payload
-- ARGV[4] = trip_id
-- ARGV[5] = ttl_seconds

local current = redis.call("HGET", KEYS[2], ARGV[1])
if current and tonumber(current) >= tonumber(ARGV[2]) then
    return 0
end

redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[5]))
redis.call("EXPIRE", KEYS[2], tonumber(ARGV[5]))
redis.call("SADD", KEYS[3], ARGV[4])
return 1
`

var journalScript = redis.NewScript(luaJournalSeatState)

// NewJournal creates a journal for store. Call store.AddPublisher(journal)
// to feed it and Start to run the writer.
func NewJournal(client *redis.Client, store *Store, bufferSize int, log *logger.Logger) *Journal {
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Journal{
		redis:   client,
		store:   store,
		log:     log.WithComponent("seat_journal"),
		timeout: 3 * time.Second,
		queue:   make(chan journalEntry, bufferSize),
		dirty:   make(map[string]struct{}),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Publish implements Publisher
func (j *Journal) Publish(ev Event) {
	e := ev
	j.enqueue(journalEntry{tripID: ev.TripID, event: &e})
}

// TripRegistered implements TripRegistrar
func (j *Journal) TripRegistered(tripID string, seats []Seat) {
	j.enqueue(journalEntry{tripID: tripID, catalog: seats})
}

func (j *Journal) enqueue(entry journalEntry) {
	select {
	case j.queue <- entry:
	default:
		// The store must never wait on Redis. Remember the trip and rewrite it
		// in full on the next checkpoint.
		j.dropped.Add(1)
		j.markDirty(entry.tripID)
	}
}

// Dropped returns how many entries were dropped because the queue was full
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// PreloadScripts loads the Lua script into Redis
func (j *Journal) PreloadScripts(ctx context.Context) error {
	if j.redis == nil {
		return fmt.Errorf("redis client not available")
	}
	if err := journalScript.Load(ctx, j.redis).Err(); err != nil {
		return fmt.Errorf("failed to load seat journal script: %w", err)
	}
	return nil
}

// Start runs the writer until Stop or ctx cancellation
func (j *Journal) Start(ctx context.Context, checkpointInterval time.Duration) {
	if !j.started.CompareAndSwap(false, true) {
		return
	}
	if checkpointInterval <= 0 {
		checkpointInterval = 30 * time.Second
	}
	go j.run(ctx, checkpointInterval)
}

// Stop drains the queue and stops the writer
func (j *Journal) Stop() {
	select {
	case <-j.done:
	default:
		close(j.done)
	}
	if j.started.Load() {
		<-j.stopped
	}
}

func (j *Journal) run(ctx context.Context, checkpointInterval time.Duration) {
	defer close(j.stopped)

	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-j.queue:
			j.write(ctx, entry)
		case <-ticker.C:
			j.checkpointDirty(ctx)
		case <-j.done:
			j.drain(context.Background())
			return
		case <-ctx.Done():
			j.drain(context.Background())
			return
		}
	}
}

func (j *Journal) drain(ctx context.Context) {
	for {
		select {
		case entry := <-j.queue:
			j.write(ctx, entry)
		default:
			j.checkpointDirty(ctx)
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, entry journalEntry) {
	wctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	var err error
	switch {
	case entry.catalog != nil:
		err = j.saveCatalog(wctx, entry.tripID, entry.catalog)
	case entry.event != nil:
		err = j.saveState(wctx, entry.tripID, entry.event.State())
	}
	if err != nil {
		j.log.Warn("Seat journal write failed",
			"trip_id", entry.tripID,
			"error", err.Error(),
		)
		j.markDirty(entry.tripID)
	}
}

func (j *Journal) saveCatalog(ctx context.Context, tripID string, seats []Seat) error {
	payload, err := json.Marshal(seats)
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	pipe := j.redis.TxPipeline()
	pipe.Set(ctx, constants.BuildSeatCatalogKey(tripID), payload, constants.TTL_SEATLOCK_JOURNAL)
	pipe.SAdd(ctx, constants.KEY_SEATLOCK_TRIPS, tripID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save catalog: %w", err)
	}
	return nil
}

func (j *Journal) saveState(ctx context.Context, tripID string, st SeatState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode seat state: %w", err)
	}
	keys := []string{
		constants.BuildSeatStateKey(tripID),
		constants.BuildSeatVersionKey(tripID),
		constants.KEY_SEATLOCK_TRIPS,
	}
	args := []interface{}{
		st.SeatID,
		strconv.FormatUint(st.Version, 10),
		string(payload),
		tripID,
		strconv.Itoa(int(constants.TTL_SEATLOCK_JOURNAL.Seconds())),
	}
	if err := journalScript.Run(ctx, j.redis, keys, args...).Err(); err != nil {
		return fmt.Errorf("failed to execute seat journal script: %w", err)
	}
	return nil
}

func (j *Journal) markDirty(tripID string) {
	if tripID == "" {
		return
	}
	j.dirtyMu.Lock()
	j.dirty[tripID] = struct{}{}
	j.dirtyMu.Unlock()
}

func (j *Journal) checkpointDirty(ctx context.Context) {
	j.dirtyMu.Lock()
	trips := make([]string, 0, len(j.dirty))
	for id := range j.dirty {
		trips = append(trips, id)
	}
	j.dirty = make(map[string]struct{})
	j.dirtyMu.Unlock()

	for _, tripID := range trips {
		if err := j.Checkpoint(ctx, tripID); err != nil {
			j.log.Warn("Seat journal checkpoint failed", "trip_id", tripID, "error", err.Error())
			j.markDirty(tripID)
		}
	}
}

// Checkpoint rewrites the catalog and every seat state of a trip
func (j *Journal) Checkpoint(ctx context.Context, tripID string) error {
	seats, err := j.store.Catalog(tripID)
	if err != nil {
		return err
	}
	states, err := j.store.States(tripID)
	if err != nil {
		return err
	}
	if err := j.saveCatalog(ctx, tripID, seats); err != nil {
		return err
	}
	for _, st := range states {
		if err := j.saveState(ctx, tripID, st); err != nil {
			return err
		}
	}
	return nil
}

// Restore loads every journaled trip into the store and returns how many
// trips were restored. Trips already present in the store are skipped.
func (j *Journal) Restore(ctx context.Context) (int, error) {
	tripIDs, err := j.redis.SMembers(ctx, constants.KEY_SEATLOCK_TRIPS).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list journaled trips: %w", err)
	}

	restored := 0
	for _, tripID := range tripIDs {
		raw, err := j.redis.Get(ctx, constants.BuildSeatCatalogKey(tripID)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return restored, fmt.Errorf("failed to read catalog of %s: %w", tripID, err)
		}
		var seats []Seat
		if err := json.Unmarshal([]byte(raw), &seats); err != nil {
			return restored, fmt.Errorf("failed to decode catalog of %s: %w", tripID, err)
		}

		fields, err := j.redis.HGetAll(ctx, constants.BuildSeatStateKey(tripID)).Result()
		if err != nil {
			return restored, fmt.Errorf("failed to read seat states of %s: %w", tripID, err)
		}
		states := make([]SeatState, 0, len(fields))
		for seatID, payload := range fields {
			var st SeatState
			if err := json.Unmarshal([]byte(payload), &st); err != nil {
				j.log.Warn("Skipping corrupt seat state", "trip_id", tripID, "seat_id", seatID)
				continue
			}
			states = append(states, st)
		}

		if err := j.store.Restore(tripID, seats, states); err != nil {
			j.log.Debug("Trip already loaded, skipping restore", "trip_id", tripID)
			continue
		}
		restored++
	}
	return restored, nil
}
