// Package pin assigns goroutines of pipeline stages to logical cores.
//
// Pinning policy describes cores of every stage thread. Stages are
// separated by '|', threads of the stage by ';' and cores of the thread by
// ','. Every core is written as PU_<index>:
//
//	PU_0|PU_1;PU_2|PU_3,PU_4
//
// Here the first stage has one thread on core 0, the second stage has two
// threads on cores 1 and 2, the third stage has one thread allowed to run
// on cores 3 and 4.
package pin

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrPolicy is returned when pinning policy can't be parsed.
var ErrPolicy = errors.New("invalid pinning policy")

const unitPrefix = "PU_"

type (
	// Cores is a set of logical core indices.
	Cores []int

	// Policy contains cores of every thread of every stage.
	Policy [][]Cores

	// Pinner sets affinity of the calling OS thread. Callers lock the
	// goroutine to its thread before pinning.
	Pinner interface {
		Pin(cores Cores) error
	}

	// PinnerFunc is an adapter to use functions as pinners.
	PinnerFunc func(cores Cores) error

	// Nop pinner doesn't change affinity.
	Nop struct{}
)

// Pin implements Pinner.
func (fn PinnerFunc) Pin(cores Cores) error {
	return fn(cores)
}

// Pin implements Pinner.
func (Nop) Pin(Cores) error {
	return nil
}

// Parse parses the pinning policy.
func Parse(s string) (Policy, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrPolicy)
	}
	var p Policy
	for i, stage := range strings.Split(s, "|") {
		var threads []Cores
		for j, thread := range strings.Split(stage, ";") {
			var cores Cores
			for _, unit := range strings.Split(thread, ",") {
				unit = strings.TrimSpace(unit)
				if !strings.HasPrefix(unit, unitPrefix) {
					return nil, fmt.Errorf("%w: stage %d thread %d unit %q", ErrPolicy, i, j, unit)
				}
				n, err := strconv.Atoi(strings.TrimPrefix(unit, unitPrefix))
				if err != nil || n < 0 {
					return nil, fmt.Errorf("%w: stage %d thread %d unit %q", ErrPolicy, i, j, unit)
				}
				cores = append(cores, n)
			}
			threads = append(threads, cores)
		}
		p = append(p, threads)
	}
	return p, nil
}

// Sequential returns policy that assigns one core per thread. Cores are
// assigned in order and wrap around after cpus cores.
func Sequential(threads []int, cpus int) Policy {
	if cpus < 1 {
		cpus = 1
	}
	p := make(Policy, len(threads))
	next := 0
	for i, n := range threads {
		p[i] = make([]Cores, n)
		for j := range p[i] {
			p[i][j] = Cores{next % cpus}
			next++
		}
	}
	return p
}

// Threads returns number of threads of every stage.
func (p Policy) Threads() []int {
	threads := make([]int, len(p))
	for i := range p {
		threads[i] = len(p[i])
	}
	return threads
}

// Check returns error if policy doesn't match provided threads of stages.
func (p Policy) Check(threads []int) error {
	if len(p) != len(threads) {
		return fmt.Errorf("%w: %d stages in policy, %d in pipeline", ErrPolicy, len(p), len(threads))
	}
	for i := range p {
		if len(p[i]) != threads[i] {
			return fmt.Errorf("%w: stage %d has %d threads in policy, %d in pipeline", ErrPolicy, i, len(p[i]), threads[i])
		}
	}
	return nil
}

func (p Policy) String() string {
	stages := make([]string, len(p))
	for i := range p {
		threads := make([]string, len(p[i]))
		for j := range p[i] {
			threads[j] = p[i][j].String()
		}
		stages[i] = strings.Join(threads, ";")
	}
	return strings.Join(stages, "|")
}

func (c Cores) String() string {
	units := make([]string, len(c))
	for i := range c {
		units[i] = unitPrefix + strconv.Itoa(c[i])
	}
	return strings.Join(units, ",")
}
