package main

import "fmt"

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/mcpflow/
var version = "dev"

type VersionCmd struct{}

func (c *VersionCmd) Execute(_ []string) error {
	fmt.Println(version)
	return nil
}
