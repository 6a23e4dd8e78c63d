package database

import (
	"busline/internal/bookings"

	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&bookings.Booking{},
		&bookings.BookingSeat{},
		&bookings.Passenger{},
		&bookings.PaymentConfirmation{},
	)
	if err != nil {
		return err
	}
	return MigrateConstraints(db)
}
