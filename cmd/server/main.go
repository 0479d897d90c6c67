package main

import (
	"log"

	"github.com/joho/godotenv"

	"lvbridge/internal/server"
)

func main() {
	_ = godotenv.Load()

	s, err := server.NewServer()
	if err != nil {
		log.Fatalf("Failed to initialize gateway: %v", err)
	}

	s.Run()
}
