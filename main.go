package main

import (
	"fmt"

	_ "github.com/agentuity/go-cache/cache"
	_ "github.com/agentuity/go-cache/env"
	_ "github.com/agentuity/go-cache/eventing"
	_ "github.com/agentuity/go-cache/logger"
	_ "github.com/agentuity/go-cache/string"
)

func main() {
	fmt.Println("Hi")
}
