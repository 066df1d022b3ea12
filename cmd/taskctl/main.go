package main

import (
	"log"

	"github.com/quillhaven/taskwire/cmd/taskctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
