package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/pflag"

	"pipelined.dev/dataflow/config"
	"pipelined.dev/dataflow/otac"
	"pipelined.dev/dataflow/pipeline"
	"pipelined.dev/dataflow/profile"
	"pipelined.dev/dataflow/sequence"
)

const (
	executorSequence = "sequence"
	executorPipeline = "pipeline"
)

// defaultChain is used when no chain file is provided.
var defaultChain = config.Chain{
	Name:     "increments",
	Datatype: "int32",
	Elements: 4,
	Value:    1,
	Steps: []config.Step{
		{Kind: config.KindIncrementer, Count: 6, Latency: time.Millisecond},
	},
}

type env struct {
	out     io.Writer
	runtime config.Runtime
}

// chainFlags are shared by all commands.
type chainFlags struct {
	path     string
	threads  int
	profiled int
	verbose  bool
}

func (f *chainFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.path, "chain", "c", "", "YAML file with chain description")
	fs.IntVarP(&f.threads, "threads", "t", 0, "number of threads, runtime setting is used if zero")
	fs.IntVar(&f.profiled, "profile", profile.DefaultFrames, "number of frames to profile before scheduling")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "dump the schedule")
}

func (e env) graph(f chainFlags) (*config.Graph, error) {
	c := defaultChain
	if f.path != "" {
		var err error
		if c, err = config.LoadChain(f.path); err != nil {
			return nil, err
		}
	}
	return c.Build()
}

func (e env) threads(f chainFlags) int {
	if f.threads > 0 {
		return f.threads
	}
	return e.runtime.Threads
}

// schedule profiles the chain and partitions it.
func (e env) schedule(ctx context.Context, g *config.Graph, f chainFlags) ([]otac.TaskDesc, otac.Solution, error) {
	descs, _, err := profile.Chain(ctx, g.Tasks,
		profile.WithFrames(f.profiled),
		profile.WithLogger(e.runtime.Logger()),
	)
	if err != nil {
		return nil, otac.Solution{}, err
	}
	sol, err := otac.Solve(descs, e.threads(f))
	if err != nil {
		return nil, otac.Solution{}, err
	}
	if f.verbose {
		spew.Fdump(e.out, sol)
	}
	return descs, sol, nil
}

func (e env) pipeline(ctx context.Context, g *config.Graph, f chainFlags) (*pipeline.Pipeline, error) {
	descs, sol, err := e.schedule(ctx, g, f)
	if err != nil {
		return nil, err
	}
	options := append(e.runtime.PipelineOptions(), pipeline.WithLogger(e.runtime.Logger()))
	return otac.Build(descs, sol, options...)
}

type runCommand struct {
	env
	flags    chainFlags
	executor string
	frames   int
}

func (cmd *runCommand) Name() string {
	return "run"
}

func (cmd *runCommand) Help() string {
	return "Execute the chain as a sequence or as a scheduled pipeline"
}

func (cmd *runCommand) Register(fs *pflag.FlagSet) {
	cmd.flags.register(fs)
	fs.StringVarP(&cmd.executor, "executor", "e", executorSequence, "executor: sequence or pipeline")
	fs.IntVarP(&cmd.frames, "frames", "n", 100, "number of frames to execute")
}

func (cmd *runCommand) Run() error {
	if cmd.frames < 1 {
		return fmt.Errorf("frames must be positive, got %d", cmd.frames)
	}
	ctx := context.Background()
	g, err := cmd.graph(cmd.flags)
	if err != nil {
		return err
	}

	start := time.Now()
	switch cmd.executor {
	case executorSequence:
		s, err := sequence.New(g.Tasks[:1],
			sequence.WithThreads(cmd.threads(cmd.flags)),
			sequence.WithLogger(cmd.runtime.Logger()),
		)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.ExecN(ctx, cmd.frames); err != nil {
			return err
		}
		fmt.Fprintf(cmd.out, "Sequence %s executed %d frames with %d threads in %v\n",
			s.ID(), s.Frames(), s.Threads(), time.Since(start))
	case executorPipeline:
		p, err := cmd.pipeline(ctx, g, cmd.flags)
		if err != nil {
			return err
		}
		defer p.Close()
		start = time.Now()
		if err := p.RunN(ctx, cmd.frames); err != nil {
			return err
		}
		fmt.Fprintf(cmd.out, "Pipeline %s executed %d frames with %d stages in %v\n",
			p.ID(), p.Frames(), len(p.Stages()), time.Since(start))
	default:
		return fmt.Errorf("unknown executor %q", cmd.executor)
	}
	fmt.Fprintf(cmd.out, "Last frame: %s\n", g.Final())
	return nil
}

type scheduleCommand struct {
	env
	flags chainFlags
}

func (cmd *scheduleCommand) Name() string {
	return "schedule"
}

func (cmd *scheduleCommand) Help() string {
	return "Profile the chain and print its partition into pipeline stages"
}

func (cmd *scheduleCommand) Register(fs *pflag.FlagSet) {
	cmd.flags.register(fs)
}

func (cmd *scheduleCommand) Run() error {
	g, err := cmd.graph(cmd.flags)
	if err != nil {
		return err
	}
	descs, sol, err := cmd.schedule(context.Background(), g, cmd.flags)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.out, "Period: %.3fus, threads: %d\n", sol.Period, sol.Threads())
	first := 0
	for i, part := range sol.Stages {
		fmt.Fprintf(cmd.out, "Stage %d: %d threads\n", i, part.Threads)
		for _, d := range descs[first : first+part.Tasks] {
			fmt.Fprintf(cmd.out, "\t%s\t%.3fus\treplicable=%t\n", d.Name, d.Duration, d.Replicable)
		}
		first += part.Tasks
	}
	return nil
}

type dotCommand struct {
	env
	flags    chainFlags
	executor string
}

func (cmd *dotCommand) Name() string {
	return "dot"
}

func (cmd *dotCommand) Help() string {
	return "Print the graph in Graphviz format"
}

func (cmd *dotCommand) Register(fs *pflag.FlagSet) {
	cmd.flags.register(fs)
	fs.StringVarP(&cmd.executor, "executor", "e", executorSequence, "executor: sequence or pipeline")
}

func (cmd *dotCommand) Run() error {
	g, err := cmd.graph(cmd.flags)
	if err != nil {
		return err
	}
	switch cmd.executor {
	case executorSequence:
		s, err := sequence.New(g.Tasks[:1])
		if err != nil {
			return err
		}
		defer s.Close()
		return s.ExportDOT(cmd.out)
	case executorPipeline:
		p, err := cmd.pipeline(context.Background(), g, cmd.flags)
		if err != nil {
			return err
		}
		defer p.Close()
		return p.ExportDOT(cmd.out)
	}
	return fmt.Errorf("unknown executor %q", cmd.executor)
}
