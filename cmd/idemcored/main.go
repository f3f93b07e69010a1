package main

import (
	"fmt"
	"os"

	"idemcore/internal/app"
)

func main() {
	application, err := app.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "idemcored:", err)
		os.Exit(1)
	}
	if err := application.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "idemcored:", err)
		os.Exit(1)
	}
}
