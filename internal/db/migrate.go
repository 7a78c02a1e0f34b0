package db

import (
	"collab-engine/internal/comment"
	"collab-engine/internal/document"
	"collab-engine/internal/oplog"
	"collab-engine/internal/snapshot"
	"collab-engine/internal/user"

	"github.com/rs/zerolog/log"
)

// Migrate runs database migrations
func Migrate() {
	err := AppDb.AutoMigrate(
		&user.User{},
		&document.Document{},
		&document.DocumentCollaborator{},
		&oplog.OperationRecord{},
		&snapshot.Snapshot{},
		&comment.Comment{},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}

	log.Info().Msg("Database schema migrated successfully")
}

// SeedData seeds the database with initial data (for development only)
func SeedData() {
	userRepo := user.NewRepository(AppDb)

	testUser := &user.User{
		Name:     "Test User",
		Email:    "test@example.com",
		Password: "password123",
		IsActive: true,
	}

	// Check if user exists
	_, err := userRepo.FindByEmail(testUser.Email)
	if err != nil {
		userService := user.NewService(userRepo)
		if err := userService.Register(testUser); err != nil {
			log.Error().Err(err).Msg("Error creating test user")
		} else {
			log.Info().Str("email", testUser.Email).Msg("Created test user")
		}
	} else {
		log.Info().Str("email", testUser.Email).Msg("Test user already exists")
	}
}
