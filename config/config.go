// Package config loads runtime settings from the environment and chain
// descriptions from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"pipelined.dev/dataflow"
	"pipelined.dev/dataflow/log"
	"pipelined.dev/dataflow/mock"
	"pipelined.dev/dataflow/pipeline"
	"pipelined.dev/dataflow/sequence"
)

// Prefix of environment variables.
const Prefix = "DATAFLOW"

// Runtime contains executor settings. Every field is read from the
// DATAFLOW_<NAME> variable.
type Runtime struct {
	Debug         bool   `envconfig:"DEBUG" default:"false"`
	BufferSize    int    `envconfig:"BUFFER_SIZE" default:"2"`
	ActiveWait    bool   `envconfig:"ACTIVE_WAIT" default:"false"`
	PinningPolicy string `envconfig:"PINNING_POLICY"`
	Threads       int    `envconfig:"THREADS" default:"1"`
}

// Load loads runtime settings from the environment.
func Load() (Runtime, error) {
	var r Runtime
	if err := envconfig.Process(Prefix, &r); err != nil {
		return Runtime{}, fmt.Errorf("load runtime config: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Runtime{}, err
	}
	return r, nil
}

// Default returns default runtime settings.
func Default() Runtime {
	return Runtime{
		BufferSize: pipeline.DefaultBufferSize,
		Threads:    1,
	}
}

// Validate checks the values.
func (r Runtime) Validate() error {
	if r.BufferSize < 1 {
		return fmt.Errorf("%w: buffer size %d", dataflow.ErrInvalidArgument, r.BufferSize)
	}
	if r.Threads < 1 {
		return fmt.Errorf("%w: threads %d", dataflow.ErrInvalidArgument, r.Threads)
	}
	return nil
}

// WaitMode returns wait mode of the pipeline buffers.
func (r Runtime) WaitMode() pipeline.WaitMode {
	if r.ActiveWait {
		return pipeline.Active
	}
	return pipeline.Passive
}

// Logger returns logger with the level set by Debug.
func (r Runtime) Logger() *logrus.Logger {
	l := log.GetLogger()
	if r.Debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// PipelineOptions returns options that apply the settings to every
// pipeline boundary.
func (r Runtime) PipelineOptions() []pipeline.Option {
	options := []pipeline.Option{
		pipeline.WithBufferSize(r.BufferSize),
		pipeline.WithWaitMode(r.WaitMode()),
	}
	if r.PinningPolicy != "" {
		options = append(options, pipeline.WithPinningPolicy(r.PinningPolicy))
	}
	return options
}

// SequenceOptions returns options of the sequence.
func (r Runtime) SequenceOptions() []sequence.Option {
	return []sequence.Option{sequence.WithThreads(r.Threads)}
}

// Step kinds.
const (
	KindIncrementer = "incrementer"
	KindRelayer     = "relayer"
	KindDelayer     = "delayer"
)

type (
	// Chain describes a linear chain: a source, the steps and a finalizer.
	// A source with zero limit is an initializer that writes Value into
	// every frame.
	Chain struct {
		Name     string  `yaml:"name"`
		Datatype string  `yaml:"datatype"`
		Elements int     `yaml:"elements"`
		Value    float64 `yaml:"value"`
		Limit    int     `yaml:"limit"`
		Steps    []Step  `yaml:"steps"`
	}

	// Step is a module of the chain repeated Count times.
	Step struct {
		Kind    string        `yaml:"kind"`
		Count   int           `yaml:"count"`
		Latency time.Duration `yaml:"latency"`
	}

	// Graph is the built chain.
	Graph struct {
		Tasks []*dataflow.Task
		// Final formats the last frame received by the finalizer.
		Final func() string
		// Received returns number of frames received by the finalizer.
		Received func() int
	}
)

// LoadChain reads chain description from the YAML file.
func LoadChain(path string) (Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Chain{}, err
	}
	return ParseChain(data)
}

// ParseChain parses YAML chain description.
func ParseChain(data []byte) (Chain, error) {
	c := Chain{
		Datatype: dataflow.Int32.String(),
		Elements: 1,
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Chain{}, fmt.Errorf("parse chain: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Chain{}, err
	}
	return c, nil
}

// Validate checks the description.
func (c Chain) Validate() error {
	if c.Elements < 1 {
		return fmt.Errorf("%w: chain %s elements %d", dataflow.ErrInvalidArgument, c.Name, c.Elements)
	}
	if c.Limit < 0 {
		return fmt.Errorf("%w: chain %s limit %d", dataflow.ErrInvalidArgument, c.Name, c.Limit)
	}
	switch c.Datatype {
	case "int32", "int64", "float32", "float64":
	default:
		return fmt.Errorf("%w: chain %s datatype %q", dataflow.ErrInvalidArgument, c.Name, c.Datatype)
	}
	for i, s := range c.Steps {
		switch s.Kind {
		case KindIncrementer, KindRelayer, KindDelayer:
		default:
			return fmt.Errorf("%w: chain %s step %d kind %q", dataflow.ErrInvalidArgument, c.Name, i, s.Kind)
		}
		if s.Count < 0 || s.Latency < 0 {
			return fmt.Errorf("%w: chain %s step %d count %d latency %v", dataflow.ErrInvalidArgument, c.Name, i, s.Count, s.Latency)
		}
	}
	return nil
}

// Build creates and binds the modules of the chain.
func (c Chain) Build() (*Graph, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Datatype {
	case "int64":
		return build[int64](c)
	case "float32":
		return build[float32](c)
	case "float64":
		return build[float64](c)
	}
	return build[int32](c)
}

func build[T dataflow.Elem](c Chain) (*Graph, error) {
	var tasks []*dataflow.Task
	if c.Limit > 0 {
		src, err := mock.NewSource[T](c.Elements, c.Limit)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, src.Tasks()...)
	} else {
		ini, err := mock.NewInitializer[T](c.Elements, T(c.Value))
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, ini.Tasks()...)
	}

	for _, s := range c.Steps {
		count := s.Count
		if count == 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			m, err := step[T](s, c.Elements, len(tasks))
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, m.Tasks()...)
		}
	}

	fin, err := mock.NewFinalizer[T](c.Elements)
	if err != nil {
		return nil, err
	}
	fin.Discard = true
	tasks = append(tasks, fin.Tasks()...)
	if err := mock.Chain(tasks...); err != nil {
		return nil, err
	}
	return &Graph{
		Tasks: tasks,
		Final: func() string {
			return fmt.Sprint(fin.Final())
		},
		Received: func() int {
			return fin.Frames
		},
	}, nil
}

// step creates the module of the step. Position makes custom names
// unique within the chain.
func step[T dataflow.Elem](s Step, elements, position int) (dataflow.Module, error) {
	name := fmt.Sprintf("%s%d", s.Kind, position)
	switch s.Kind {
	case KindRelayer:
		m, err := mock.NewRelayer[T](elements, s.Latency)
		if err != nil {
			return nil, err
		}
		m.SetCustomName(name)
		return m, nil
	case KindDelayer:
		m, err := mock.NewDelayer[T](elements)
		if err != nil {
			return nil, err
		}
		m.SetCustomName(name)
		return m, nil
	}
	m, err := mock.NewIncrementer[T](elements)
	if err != nil {
		return nil, err
	}
	m.Latency = s.Latency
	m.SetCustomName(name)
	return m, nil
}

// String returns the description of the chain in YAML.
func (c Chain) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c.Name
	}
	return string(data)
}
