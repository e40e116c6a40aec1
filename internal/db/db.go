package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/ransaradev/ransgpt/internal/chat"
	"github.com/ransaradev/ransgpt/internal/models"
)

// Connect opens the MySQL database and migrates the schema.
func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	if err := gdb.AutoMigrate(&models.User{}, &chat.Chat{}, &chat.Message{}, &chat.Job{}); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	return gdb
}
