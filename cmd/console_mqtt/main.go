package main

import (
	"flag"
	"log"

	"github.com/relabs-tech/pdr_locator/internal/app"
	"github.com/relabs-tech/pdr_locator/internal/config"
)

func main() {
	configPath := flag.String("config", "pdr_config.txt", "path to the config file")
	flag.Parse()

	log.Println("starting pdr-locator console (MQTT subscriber)")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunConsoleMQTT(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
