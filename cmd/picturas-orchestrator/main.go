package main

import (
	"log"

	"github.com/picturas/orchestrator/core/infra/buildinfo"
	"github.com/picturas/orchestrator/core/infra/config"
	"github.com/picturas/orchestrator/core/orchestrator"
)

func main() {
	log.Println("picturas orchestrator starting...")
	buildinfo.Log("picturas-orchestrator")
	cfg := config.Load()
	if err := orchestrator.Run(cfg); err != nil {
		log.Fatalf("orchestrator error: %v", err)
	}
}
