package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/stackd/stackd/pkg/stack"
)

const defaultAddress = "127.0.0.1:7670"

type flagOptions struct {
	File     string `short:"f" long:"file" default:"stack.yml" description:"stack document to load"`
	Address  string `long:"address" description:"control endpoint of the supervising process"`
	LogLevel string `long:"log-level" description:"debug, info, warn or error (overrides the document)"`
	Wait     bool   `long:"wait" description:"with up: block until every service settles"`
	Force    bool   `long:"force" description:"with stop: leave dependents of the target running"`

	Args struct {
		Command string `positional-arg-name:"command" description:"up | down | check | start | stop | restart | status | logs"`
		Service string `positional-arg-name:"service"`
	} `positional-args:"yes"`
}

func main() {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	parser.Usage = "<command> [service] [options]"
	_, err := parser.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	switch opts.Args.Command {
	case "up":
		os.Exit(runUp(opts))
	case "check":
		os.Exit(runCheck(opts))
	case "down":
		os.Exit(runClientCommand(opts, cmdDown))
	case "start":
		os.Exit(runClientCommand(opts, cmdStart))
	case "stop":
		os.Exit(runClientCommand(opts, cmdStop))
	case "restart":
		os.Exit(runClientCommand(opts, cmdRestart))
	case "status":
		os.Exit(runClientCommand(opts, cmdStatus))
	case "logs":
		os.Exit(runClientCommand(opts, cmdLogs))
	case "":
		fmt.Fprintln(os.Stderr, "A command is required: up | down | check | start | stop | restart | status | logs")
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", opts.Args.Command)
		os.Exit(1)
	}
}

// runUp loads the stack document and supervises in the foreground
func runUp(opts flagOptions) int {
	runner, err := stack.NewRunner(opts.File, stack.Options{
		LogLevel:       opts.LogLevel,
		MonitorAddress: opts.Address,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load stack: %v\n", err)
		return stack.ExitCode(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runner.Run(ctx, opts.Wait); err != nil {
		fmt.Fprintf(os.Stderr, "Stack failed: %v\n", err)
		return stack.ExitCode(err)
	}
	return 0
}

// runCheck validates the document and the dependency graph without
// starting anything
func runCheck(opts flagOptions) int {
	_, g, err := stack.Load(opts.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid stack: %v\n", err)
		return stack.ExitCode(err)
	}

	fmt.Printf("Stack is valid, %d services\n", g.Len())
	fmt.Println("Start order:")
	for i, name := range g.StartOrder() {
		fmt.Printf("  %d. %s\n", i+1, name)
	}
	return 0
}

type clientCommand func(ctx context.Context, client *stack.Client, opts flagOptions) error

func runClientCommand(opts flagOptions, command clientCommand) int {
	address := opts.Address
	if address == "" {
		address = defaultAddress
	}
	client := stack.NewClient(address)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := command(ctx, client, opts); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return stack.ExitCode(err)
	}
	return 0
}

func cmdDown(ctx context.Context, client *stack.Client, opts flagOptions) error {
	if err := client.Shutdown(ctx); err != nil {
		return err
	}
	fmt.Println("Shutdown requested")
	return nil
}

func cmdStart(ctx context.Context, client *stack.Client, opts flagOptions) error {
	return client.Start(ctx, opts.Args.Service)
}

func cmdStop(ctx context.Context, client *stack.Client, opts flagOptions) error {
	return client.Stop(ctx, opts.Args.Service, opts.Force)
}

func cmdRestart(ctx context.Context, client *stack.Client, opts flagOptions) error {
	if opts.Args.Service == "" {
		return fmt.Errorf("restart requires a service name")
	}
	return client.Restart(ctx, opts.Args.Service)
}

func cmdStatus(ctx context.Context, client *stack.Client, opts flagOptions) error {
	statuses, err := client.Status(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "SERVICE\tPHASE\tPID\tRESTARTS\tUPTIME\tREASON")
	for _, status := range statuses {
		if opts.Args.Service != "" && status.Name != opts.Args.Service {
			continue
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\t%s\n",
			status.Name,
			status.Phase,
			formatPID(status.PID),
			status.RestartCount,
			formatUptime(status.Uptime),
			status.FailureReason,
		)
	}
	return writer.Flush()
}

func cmdLogs(ctx context.Context, client *stack.Client, opts flagOptions) error {
	if opts.Args.Service == "" {
		return fmt.Errorf("logs requires a service name")
	}
	return client.Logs(ctx, opts.Args.Service, os.Stdout)
}

func formatPID(pid int) string {
	if pid == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", pid)
}

func formatUptime(uptime time.Duration) string {
	if uptime == 0 {
		return "-"
	}
	return uptime.Round(time.Second).String()
}
