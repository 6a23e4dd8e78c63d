package database

import (
	"gorm.io/gorm"
)

// MigrateConstraints adds the constraints AutoMigrate cannot express
func MigrateConstraints(db *gorm.DB) error {
	// Prices are never negative
	err := db.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'chk_bookings_total_price') THEN
				ALTER TABLE bookings ADD CONSTRAINT chk_bookings_total_price CHECK (total_price >= 0);
			END IF;
			IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'chk_booking_seats_price') THEN
				ALTER TABLE booking_seats ADD CONSTRAINT chk_booking_seats_price CHECK (price >= 0);
			END IF;
		END
		$$;
	`).Error
	if err != nil {
		return err
	}

	// A seat appears once per booking
	err = db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_booking_seats_booking_seat
		ON booking_seats (booking_id, seat_id);
	`).Error
	if err != nil {
		return err
	}

	// Seat history lookups per trip
	err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_booking_seats_trip_seat
		ON booking_seats (trip_id, seat_id);
	`).Error
	if err != nil {
		return err
	}

	return nil
}
