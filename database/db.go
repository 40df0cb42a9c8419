package database

import (
	"fmt"
	"log"
	"os"

	"chatrelay-backend/models"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

func Connect() {
	err := godotenv.Load()
	if err != nil {
		log.Println("no .env file found, relying on process environment")
	}

	host := os.Getenv("DB_HOST")
	if host == "" {
		host = "db"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=5432 sslmode=disable",
		host, os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), os.Getenv("DB_NAME"))
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})

	if err != nil {
		fmt.Println(err)
		panic("Could not connect to database")
	}
}

// AutoMigrate creates/updates all tables, then applies the raw index
// migrations that gorm tags cannot express.
func AutoMigrate() {
	if err := DB.AutoMigrate(
		&models.User{},
		&models.Integration{},
		&models.InboundEvent{},
		&models.Job{},
	); err != nil {
		log.Fatalf("automigrate failed: %v", err)
	}
	if err := MigrateIndexes(DB); err != nil {
		log.Fatalf("index migration failed: %v", err)
	}
}
