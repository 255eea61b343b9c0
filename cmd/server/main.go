package main

import (
	approuters "Voxlink/internal/app_routers"
	"Voxlink/internal/configuration"
	"flag"
	"log"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	container, err := configuration.BuildContainer(*configPath)
	if err != nil {
		log.Fatalf("Failed to build container: %v", err)
	}

	// Ensure cleanup on shutdown
	defer container.Close()

	// Setup routers
	approuters.StartServer(container)
}
