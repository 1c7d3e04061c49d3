// Package main provides the swadl binary: the workflow management server
// and a document validation tool.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "swadl",
		Usage:                 "Compile and execute chat-bot workflow documents",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			ServeCommand(),
			ValidateCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
