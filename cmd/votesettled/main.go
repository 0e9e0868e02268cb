package main

import (
	"log"

	"votesettle/services/votesettled"
)

func main() {
	if err := votesettled.Main(); err != nil {
		log.Fatalf("votesettled: %v", err)
	}
}
