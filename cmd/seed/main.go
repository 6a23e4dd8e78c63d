package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"busline/internal/seatlock"
	"busline/internal/shared/config"
	"busline/internal/shared/constants"
	"busline/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// Seeder writes trip catalogs into the seat journal. The coordinator restores
// them on its next start.
type Seeder struct {
	redis   *redis.Client
	store   *seatlock.Store
	journal *seatlock.Journal
}

// tripTemplate describes a bus layout: rows of four seats, A and B on the
// left of the aisle, C and D on the right
type tripTemplate struct {
	ID           string
	Rows         int
	BusinessRows int
	VIPRows      int
	BasePrice    float64
}

var templates = []tripTemplate{
	{ID: "T1", Rows: 10, BusinessRows: 1, VIPRows: 2, BasePrice: 100},
	{ID: "HN-HP-0700", Rows: 11, BusinessRows: 0, VIPRows: 3, BasePrice: 120},
	{ID: "HN-DN-2100", Rows: 9, BusinessRows: 2, VIPRows: 0, BasePrice: 450},
}

func main() {
	clean := flag.Bool("clean", false, "remove every journaled trip before seeding")
	flag.Parse()

	fmt.Println("🌱 Starting busline trip seeder...")
	_ = godotenv.Load()
	cfg := config.Load()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis at %s: %v", cfg.Redis.Addr, err)
	}

	store := seatlock.NewStore(seatlock.DefaultConfig())
	seeder := &Seeder{
		redis:   client,
		store:   store,
		journal: seatlock.NewJournal(client, store, 0, logger.GetDefault()),
	}

	if *clean {
		fmt.Println("\n🧹 Cleaning seat journal...")
		n, err := seeder.Clean(ctx)
		if err != nil {
			log.Fatalf("Failed to clean seat journal: %v", err)
		}
		fmt.Printf("✅ Removed %d journaled trips\n", n)
	}

	fmt.Println("\n🚌 Seeding trips...")
	if err := seeder.SeedAll(ctx); err != nil {
		log.Fatalf("Failed to seed trips: %v", err)
	}
	fmt.Println("\n🎉 Seeding completed! Restart the coordinator to load the trips.")
}

// Clean removes every journaled trip
func (s *Seeder) Clean(ctx context.Context) (int, error) {
	tripIDs, err := s.redis.SMembers(ctx, constants.KEY_SEATLOCK_TRIPS).Result()
	if err != nil {
		return 0, err
	}
	for _, id := range tripIDs {
		keys := []string{
			constants.BuildSeatCatalogKey(id),
			constants.BuildSeatStateKey(id),
			constants.BuildSeatVersionKey(id),
		}
		if err := s.redis.Del(ctx, keys...).Err(); err != nil {
			return 0, fmt.Errorf("failed to remove trip %s: %w", id, err)
		}
	}
	if err := s.redis.Del(ctx, constants.KEY_SEATLOCK_TRIPS).Err(); err != nil {
		return 0, err
	}
	return len(tripIDs), nil
}

// SeedAll registers every template and checkpoints it. Trips that are
// already journaled are left alone.
func (s *Seeder) SeedAll(ctx context.Context) error {
	existing, err := s.redis.SMembers(ctx, constants.KEY_SEATLOCK_TRIPS).Result()
	if err != nil {
		return err
	}
	journaled := make(map[string]bool, len(existing))
	for _, id := range existing {
		journaled[id] = true
	}

	for _, tpl := range templates {
		if journaled[tpl.ID] {
			fmt.Printf("⏭️  %s already journaled, skipping\n", tpl.ID)
			continue
		}
		seats := tpl.seats()
		if err := s.store.RegisterTrip(tpl.ID, seats); err != nil {
			return fmt.Errorf("failed to register %s: %w", tpl.ID, err)
		}
		if err := s.journal.Checkpoint(ctx, tpl.ID); err != nil {
			return fmt.Errorf("failed to journal %s: %w", tpl.ID, err)
		}
		fmt.Printf("✅ %s: %d seats\n", tpl.ID, len(seats))
	}
	return nil
}

func (t tripTemplate) seats() []seatlock.Seat {
	seats := make([]seatlock.Seat, 0, t.Rows*4)
	for row := 1; row <= t.Rows; row++ {
		seatType, price := seatlock.SeatTypeNormal, t.BasePrice
		switch {
		case row <= t.BusinessRows:
			seatType, price = seatlock.SeatTypeBusiness, t.BasePrice*2
		case row <= t.BusinessRows+t.VIPRows:
			seatType, price = seatlock.SeatTypeVIP, t.BasePrice*1.5
		}
		for _, col := range []string{"A", "B", "C", "D"} {
			id := fmt.Sprintf("%d%s", row, col)
			seats = append(seats, seatlock.Seat{SeatID: id, Code: id, Type: seatType, Price: price})
		}
	}
	return seats
}
