// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

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

	log.Println("starting pdr-locator web server (MQTT subscriber)")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Println("Note: positions require a locator publishing to the broker (./locator with MQTT_BROKER set)")

	if err := app.RunWeb(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
