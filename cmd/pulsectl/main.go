// main.go - Admin control tool for pulse
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pulse/internal"
)

const (
	defaultShutdownTimeout = 30 * time.Second
)

// Command defines the interface for all command implementations
type Command interface {
	// Name returns the command name
	Name() string
	// Description returns the command description
	Description() string
	// Execute runs the command with the given app and args
	Execute(ctx context.Context, app *internal.Application, args []string) error
}

// The set of available commands
var commands = []Command{
	&MigrateCommand{},
	&LoadDefinitionsCommand{},
	&RotateSaltCommand{},
	&FunnelStatsCommand{},
	&EventsCommand{},
	&StatusCommand{},
	&HelpCommand{},
}

func main() {
	flag.Parse()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v, initiating cleanup...", sig)
		cancel()
	}()

	cmdName, args := parseArgs(os.Args[1:])

	cmd := findCommand(cmdName)
	if cmd == nil {
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if _, ok := cmd.(*HelpCommand); ok {
		_ = cmd.Execute(ctx, nil, args)
		return
	}

	app, err := internal.NewApp()
	if err != nil {
		log.Fatalf("Failed to initialize app: %v", err)
	}

	err = cmd.Execute(ctx, app, args)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancelShutdown()
	if shutdownErr := app.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Printf("Warning: Cleanup error: %v", shutdownErr)
	}

	if err != nil {
		log.Fatalf("Command failed: %v", err)
	}
	log.Printf("Command %s completed successfully", cmd.Name())
}

// parseArgs splits the command name from its arguments
func parseArgs(args []string) (string, []string) {
	if len(args) == 0 {
		return "help", []string{}
	}
	return args[0], args[1:]
}

// findCommand finds a command by name
func findCommand(name string) Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}
