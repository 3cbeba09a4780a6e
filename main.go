package main

import (
	"os"

	"github.com/JuluruAkhil/ingestion-service/internal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
