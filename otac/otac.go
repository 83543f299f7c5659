// Package otac partitions a linear chain of profiled tasks into pipeline
// stages. It looks for the smallest period, the time between two frames
// leaving the pipeline, that can be achieved with the number of threads.
//
// The period is found with binary search between its lower and upper
// bounds. Every candidate is checked with greedy packing of tasks into
// stages. Packing is a heuristic, the found partition is not guaranteed to
// be optimal.
package otac

import (
	"errors"
	"fmt"
	"math"

	"pipelined.dev/dataflow"
	"pipelined.dev/dataflow/pipeline"
)

// ErrInfeasible is returned if the chain can't be executed with provided
// number of threads.
var ErrInfeasible = errors.New("no feasible partition")

// tolerance absorbs float rounding in comparisons of durations.
const tolerance = 1e-9

type (
	// TaskDesc is a profiled task of the chain.
	TaskDesc struct {
		Name       string
		Task       *dataflow.Task
		Duration   float64
		Replicable bool
	}

	// Part is a stage of the partition: number of consecutive tasks and
	// number of threads.
	Part struct {
		Tasks   int
		Threads int
	}

	// Solution is the partition of the chain.
	Solution struct {
		Stages []Part
		Period float64
	}
)

// Threads returns total number of threads of the solution.
func (s Solution) Threads() int {
	n := 0
	for _, p := range s.Stages {
		n += p.Threads
	}
	return n
}

// Describe returns descriptions of the tasks.
func Describe(tasks []*dataflow.Task, durations []float64) ([]TaskDesc, error) {
	if len(tasks) != len(durations) {
		return nil, fmt.Errorf("%w: %d tasks, %d durations", dataflow.ErrInvalidArgument, len(tasks), len(durations))
	}
	chain := make([]TaskDesc, len(tasks))
	for i, t := range tasks {
		chain[i] = TaskDesc{
			Name:       t.FullName(),
			Task:       t,
			Duration:   durations[i],
			Replicable: t.Replicable(),
		}
	}
	return chain, nil
}

// Solve finds the partition of the chain with at most r threads.
func Solve(chain []TaskDesc, r int) (Solution, error) {
	if len(chain) == 0 {
		return Solution{}, fmt.Errorf("%w: empty chain", dataflow.ErrInvalidArgument)
	}
	if r < 1 {
		return Solution{}, fmt.Errorf("%w: %d threads", dataflow.ErrInvalidArgument, r)
	}
	var total, longest, longestSequential float64
	for _, t := range chain {
		if t.Duration < 0 || math.IsNaN(t.Duration) || math.IsInf(t.Duration, 0) {
			return Solution{}, fmt.Errorf("%w: task %s duration %v", dataflow.ErrInvalidArgument, t.Name, t.Duration)
		}
		total += t.Duration
		longest = math.Max(longest, t.Duration)
		if !t.Replicable {
			longestSequential = math.Max(longestSequential, t.Duration)
		}
	}
	if r == 1 {
		return Solution{
			Stages: []Part{{Tasks: len(chain), Threads: 1}},
			Period: total,
		}, nil
	}

	lower := math.Max(longestSequential, total/float64(r))
	upper := lower + longest
	epsilon := 1 / float64(r)

	best, ok := probe(chain, upper, r)
	if !ok {
		return Solution{}, fmt.Errorf("%w: %d tasks with %d threads", ErrInfeasible, len(chain), r)
	}
	upper = best.Period
	for upper-lower > epsilon {
		period := (lower + upper) / 2
		if s, ok := probe(chain, period, r); ok {
			best = s
			upper = s.Period
		} else {
			lower = period
		}
	}
	return best, nil
}

// probe packs tasks into stages so every stage delivers a frame within
// the period. It returns false if more than r threads are needed.
func probe(chain []TaskDesc, period float64, r int) (Solution, bool) {
	var (
		s       Solution
		threads int
	)
	for start := 0; start < len(chain); {
		end, n, ok := pack(chain, start, period)
		if !ok {
			return Solution{}, false
		}
		threads += n
		if threads > r {
			return Solution{}, false
		}
		s.Stages = append(s.Stages, Part{Tasks: end - start, Threads: n})
		s.Period = math.Max(s.Period, duration(chain[start:end])/float64(n))
		start = end
	}
	return s, true
}

// pack returns the end of the stage that starts at provided task and the
// number of its threads.
func pack(chain []TaskDesc, start int, period float64) (int, int, bool) {
	// main loop packing: single thread
	end, w := start, 0.0
	replicable := true
	for end < len(chain) && w+chain[end].Duration <= period+tolerance {
		w += chain[end].Duration
		replicable = replicable && chain[end].Replicable
		end++
	}
	if end == len(chain) || !replicable || !chain[end].Replicable {
		if end == start {
			// sequential task is longer than the period
			return 0, 0, false
		}
		return end, 1, true
	}

	// stateless packing: extend through the replicable run
	for end < len(chain) && chain[end].Replicable {
		w += chain[end].Duration
		end++
	}
	threads := ceil(w / period)
	if threads == 1 {
		return end, 1, true
	}

	// extra tasks packing: pull trailing tasks out while the stage
	// doesn't fit into one thread less
	for k, wk := end, w; k > start+1; {
		k--
		wk -= chain[k].Duration
		if wk <= float64(threads-1)*period+tolerance {
			// improved packing
			return k, ceil(wk / period), true
		}
	}
	// go-back packing
	return end, threads, true
}

func ceil(v float64) int {
	n := int(math.Ceil(v - tolerance))
	if n < 1 {
		return 1
	}
	return n
}

func duration(chain []TaskDesc) float64 {
	var d float64
	for _, t := range chain {
		d += t.Duration
	}
	return d
}

// Specs converts the solution into stage specs of the pipeline.
func Specs(chain []TaskDesc, s Solution) ([]pipeline.StageSpec, error) {
	specs := make([]pipeline.StageSpec, 0, len(s.Stages))
	start := 0
	for i, p := range s.Stages {
		end := start + p.Tasks
		if p.Tasks < 1 || p.Threads < 1 || end > len(chain) {
			return nil, fmt.Errorf("%w: stage %d %+v", dataflow.ErrInvalidArgument, i, p)
		}
		first, last := chain[start].Task, chain[end-1].Task
		if first == nil || last == nil {
			return nil, fmt.Errorf("%w: stage %d has no tasks", dataflow.ErrInvalidArgument, i)
		}
		specs = append(specs, pipeline.StageSpec{
			First:   []*dataflow.Task{first},
			Last:    []*dataflow.Task{last},
			Threads: p.Threads,
		})
		start = end
	}
	if start != len(chain) {
		return nil, fmt.Errorf("%w: solution covers %d of %d tasks", dataflow.ErrInvalidArgument, start, len(chain))
	}
	// the last stage runs until the end of the graph
	specs[len(specs)-1].Last = nil
	return specs, nil
}

// Build creates the pipeline of the solution. All boundaries get default
// buffer size and wait mode, provided options override them.
func Build(chain []TaskDesc, s Solution, options ...pipeline.Option) (*pipeline.Pipeline, error) {
	specs, err := Specs(chain, s)
	if err != nil {
		return nil, err
	}
	options = append([]pipeline.Option{
		pipeline.WithBufferSize(pipeline.DefaultBufferSize),
		pipeline.WithWaitMode(pipeline.Passive),
	}, options...)
	return pipeline.New(specs, options...)
}
