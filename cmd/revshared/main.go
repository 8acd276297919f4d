package main

import (
	"log"

	"revshare/services/revshared"
)

func main() {
	if err := revshared.Main(); err != nil {
		log.Fatalf("revshared: %v", err)
	}
}
