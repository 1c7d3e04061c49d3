package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/chatops/swadl/pkg/compiler"
	"github.com/chatops/swadl/pkg/log"
	"github.com/chatops/swadl/pkg/registry"
	"github.com/chatops/swadl/pkg/swadl"
)

func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate and compile a SWADL document without deploying it",
		ArgsUsage: "<file.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "error",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: runValidate,
	}
}

func runValidate(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	if command.Args().Len() != 1 {
		return cli.Exit("usage: swadl validate <file.yaml>", 2)
	}

	path := command.Args().First()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot read %s: %v", path, err), 2)
	}

	logger := log.WithModule("validate")
	reg := registry.Builtin(logger)

	def, err := swadl.FromYAML(logger, reg, raw)
	if err != nil {
		var validationErr *swadl.ValidationError
		if errors.As(err, &validationErr) {
			for _, finding := range validationErr.Findings {
				if finding.Path == "" {
					fmt.Fprintln(os.Stderr, finding.Message)
				} else {
					fmt.Fprintf(os.Stderr, "%s: %s\n", finding.Path, finding.Message)
				}
			}

			return cli.Exit(fmt.Sprintf("%s: %d finding(s)", path, len(validationErr.Findings)), 1)
		}

		return cli.Exit(fmt.Sprintf("%s: %v", path, err), 1)
	}

	graph, err := compiler.New(logger).Compile(def)
	if err != nil {
		return cli.Exit(fmt.Sprintf("%s: %v", path, err), 1)
	}

	fmt.Printf("%s: valid (workflow %s, %d nodes, %d edges)\n", path, def.ID, len(graph.Nodes), len(graph.Edges))

	return nil
}
