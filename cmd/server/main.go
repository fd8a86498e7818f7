package main

import (
	"log"

	"conference-backend/internal/cache"
	"conference-backend/internal/config"
	"conference-backend/internal/database"
	"conference-backend/internal/server"
)

func main() {
	cfg := config.Load()

	db, err := database.Connect(&cfg.Database)
	if err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	defer database.Close(db)

	if err := database.Ping(db); err != nil {
		log.Fatalf("❌ Database ping failed: %v", err)
	}
	log.Printf("✅ Database connected successfully")

	var redisClient *cache.RedisClient
	if cfg.Redis.Addr != "" {
		redisClient, err = cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("⚠️ Redis connection failed: %v (transcripts and engagement disabled)", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
			log.Printf("✅ Redis connected (%s)", cfg.Redis.Addr)
		}
	} else {
		log.Println("ℹ️ Redis not configured (transcripts and engagement disabled)")
	}

	srv := server.New(cfg, db, redisClient)
	srv.SetupMiddleware()
	srv.SetupRoutes()

	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
