// cmd/api/main.go
package main

import (
	"os"

	"github.com/your-org/pharmacy-backend/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
