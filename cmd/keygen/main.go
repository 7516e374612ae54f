package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/niiwade/jump-advisor-sub000/pkg/utils/keygen"
)

func main() {
	size := flag.Int("bytes", 32, "random bytes in the generated token")
	token := flag.String("token", "", "hash an existing token instead of generating one")
	flag.Parse()

	value := *token
	if value == "" {
		generated, err := keygen.GenerateAPIToken(*size)
		if err != nil {
			log.Fatalf("Failed to generate token: %v", err)
		}
		value = generated
	}

	hash, err := keygen.HashToken(value)
	if err != nil {
		log.Fatalf("Failed to hash token: %v", err)
	}

	fmt.Printf("Admin token (give to clients):\n  %s\n", value)
	fmt.Printf("Config value (auth.admin_api_key_hash or ADVISOR_AUTH_ADMIN_API_KEY_HASH):\n  %s\n", hash)
}
