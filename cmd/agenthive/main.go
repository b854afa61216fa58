// Command agenthive runs the agent runtime: a server exposing the HTTP and
// websocket API, or a local interactive chat session.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/hupe1980/agenthive"
	"github.com/hupe1980/agenthive/config"
	"github.com/hupe1980/agenthive/core"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

func main() {
	if err := run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, argv []string) error {
	cmd := &cli.Command{
		Name:  "agenthive",
		Usage: "Autonomous conversational agent runtime",
		Commands: []*cli.Command{
			serveCommand(),
			chatCommand(),
			versionCommand(),
		},
	}

	return cmd.Run(ctx, argv)
}

func configFlag(dest *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to the YAML config file",
		Value:       "agenthive.yml",
		Sources:     cli.EnvVars("AGENTHIVE_CONFIG"),
		Destination: dest,
	}
}

func serveCommand() *cli.Command {
	var configPath string

	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP and websocket server",
		Flags: []cli.Flag{configFlag(&configPath)},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			rt, err := agenthive.New(ctx, func(o *agenthive.Options) {
				o.Config = cfg
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			serveErr := make(chan error, 1)
			go func() { serveErr <- rt.Serve(ctx) }()

			select {
			case err := <-serveErr:
				shutdownErr := shutdown(rt)
				if err != nil {
					return err
				}
				return shutdownErr
			case <-ctx.Done():
				return shutdown(rt)
			}
		},
	}
}

func shutdown(rt *agenthive.Runtime) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return rt.Shutdown(ctx)
}

func chatCommand() *cli.Command {
	var configPath string

	return &cli.Command{
		Name:  "chat",
		Usage: "Chat with the default agent on the terminal",
		Flags: []cli.Flag{configFlag(&configPath)},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			rt, err := agenthive.New(ctx, func(o *agenthive.Options) {
				o.Config = cfg
			})
			if err != nil {
				return err
			}
			defer shutdown(rt)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := rt.Start(ctx); err != nil {
				return err
			}

			agent := rt.DefaultAgent()
			if agent.ID == "" {
				return fmt.Errorf("no default agent configured; set agent.name in %s", configPath)
			}

			out := c.Root().Writer
			fmt.Fprintf(out, "%s is ready. Type 'quit' to exit.\n\n", agent.Name)

			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Fprint(out, "You: ")
				if !scanner.Scan() {
					break
				}

				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "quit" || line == "exit" {
					break
				}

				text, toolsUsed, err := rt.Engine.RunTurnSync(ctx, core.TurnInput{
					Agent:          agent,
					ConversationID: "cli",
					Text:           line,
				})
				if err != nil {
					if ctx.Err() != nil {
						break
					}
					fmt.Fprintf(out, "\nerror: %v\n\n", err)
					continue
				}

				fmt.Fprintf(out, "\n%s: %s\n", agent.Name, text)
				if len(toolsUsed) > 0 {
					fmt.Fprintf(out, "  tools: %s\n", strings.Join(toolsUsed, ", "))
				}
				fmt.Fprintln(out)
			}

			fmt.Fprintln(out, "Goodbye.")
			return scanner.Err()
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Action: func(ctx context.Context, c *cli.Command) error {
			fmt.Fprintf(c.Root().Writer, "agenthive %s\n", version)
			return nil
		},
	}
}
