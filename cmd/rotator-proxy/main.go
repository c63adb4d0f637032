// Command rotator-proxy runs the OpenAI-compatible proxy that rotates
// credentials across upstream LLM providers.
package main

import (
	"log"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Printf("rotator-proxy: %v", err)
		os.Exit(1)
	}
}
