package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"pipelined.dev/dataflow/config"
)

type cli struct {
	args     []string
	out      io.Writer
	commands []command
}

type command interface {
	Name() string
	Help() string
	Register(*pflag.FlagSet)
	Run() error
}

const (
	successExitCode = 0
	errorExitCode   = 1
)

func (c *cli) run() int {
	cmdName, args := parseArgs(c.args)
	if cmdName == "" {
		c.printUsage()
		return errorExitCode
	}

	for _, cmd := range c.commands {
		if cmd.Name() != cmdName {
			continue
		}
		flags := pflag.NewFlagSet(cmdName, pflag.ContinueOnError)
		flags.SetOutput(c.out)
		cmd.Register(flags)
		if err := flags.Parse(args); err != nil {
			flags.PrintDefaults()
			return errorExitCode
		}
		if err := cmd.Run(); err != nil {
			fmt.Fprintf(c.out, "Command failed: %v\n", err)
			return errorExitCode
		}
		return successExitCode
	}
	fmt.Fprintf(c.out, "Unknown command: %s\n", cmdName)
	c.printUsage()
	return errorExitCode
}

func newCLI(args []string, out io.Writer, rt config.Runtime) *cli {
	e := env{out: out, runtime: rt}
	return &cli{
		args: args,
		out:  out,
		commands: []command{
			&runCommand{env: e},
			&scheduleCommand{env: e},
			&dotCommand{env: e},
		},
	}
}

func main() {
	rt, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errorExitCode)
	}
	os.Exit(newCLI(os.Args, os.Stdout, rt).run())
}

func parseArgs(args []string) (string, []string) {
	if len(args) < 2 {
		return "", nil
	}
	return args[1], args[2:]
}

func (c *cli) printUsage() {
	fmt.Fprintln(c.out, "dataflow executes task chains as sequences or scheduled pipelines")
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "Usage: dataflow <command> [flags]")
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "Commands:")
	for _, cmd := range c.commands {
		fmt.Fprintf(c.out, "\t%s\t%s\n", cmd.Name(), cmd.Help())
	}
	fmt.Fprintln(c.out)
	fmt.Fprintf(c.out, "Runtime is configured with %s_* environment variables.\n", config.Prefix)
}
