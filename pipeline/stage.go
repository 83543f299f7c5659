package pipeline

import (
	"fmt"

	"pipelined.dev/dataflow"
	"pipelined.dev/dataflow/internal/execution"
	"pipelined.dev/dataflow/pin"
)

type (
	// StageSpec describes a stage of the pipeline. Tasks of the stage are
	// discovered from the first tasks, following bindings and control
	// dependencies. Discovery doesn't go further than the last tasks and
	// first tasks of other stages.
	StageSpec struct {
		First   []*dataflow.Task
		Last    []*dataflow.Task
		Threads int
		Pinned  bool
	}

	// Stage is a contiguous part of the graph executed by its own pool of
	// goroutines.
	Stage struct {
		index   int
		first   []*dataflow.Task
		tasks   []*dataflow.Task
		line    *execution.Line
		threads []*thread
		pinned  bool
		cores   []pin.Cores
		// in lists sockets received from the previous stage.
		in []*dataflow.Socket
		// out lists sockets sent to the next stage.
		out []*dataflow.Socket
	}

	// thread contains per-goroutine execution state of the stage.
	thread struct {
		id      int
		replica *dataflow.Replica
		cursor  *execution.Cursor
		// readers of every received socket.
		readers [][]*dataflow.Socket
		// sources of every sent socket.
		sources []source
	}

	// source of the sent socket: index of received socket or socket of
	// the thread.
	source struct {
		in     int
		socket *dataflow.Socket
	}
)

// Index returns position of the stage in the pipeline.
func (s *Stage) Index() int {
	return s.index
}

// Tasks returns tasks of the stage in execution order.
func (s *Stage) Tasks() []*dataflow.Task {
	return s.line.Tasks()
}

// Threads returns number of goroutines of the stage.
func (s *Stage) Threads() int {
	return len(s.threads)
}

// Pinned returns true if the stage goroutines are pinned.
func (s *Stage) Pinned() bool {
	return s.pinned
}

// Cores returns cores of every stage thread. Nil is returned if stage is
// not pinned.
func (s *Stage) Cores() []pin.Cores {
	return s.cores
}

// discover returns tasks of the stage. Tasks of other stages are not
// entered.
func discover(spec StageSpec, stage int, firsts, assigned map[*dataflow.Task]int) []*dataflow.Task {
	last := make(map[*dataflow.Task]struct{}, len(spec.Last))
	for _, t := range spec.Last {
		last[t] = struct{}{}
	}
	visited := make(map[*dataflow.Task]struct{})
	var (
		tasks []*dataflow.Task
		queue []*dataflow.Task
	)
	for _, t := range spec.First {
		if _, ok := visited[t]; !ok {
			visited[t] = struct{}{}
			queue = append(queue, t)
		}
	}
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		tasks = append(tasks, t)
		if _, ok := last[t]; ok {
			continue
		}
		for _, n := range t.Successors() {
			if _, ok := visited[n]; ok {
				continue
			}
			if i, ok := firsts[n]; ok && i != stage {
				continue
			}
			if _, ok := assigned[n]; ok {
				continue
			}
			visited[n] = struct{}{}
			queue = append(queue, n)
		}
	}
	return tasks
}

// newThread prepares execution state of the stage goroutine. The first
// thread executes original tasks, others execute replicas.
func (s *Stage) newThread(id int) (*thread, error) {
	th := &thread{id: id}
	if id > 0 {
		r, err := dataflow.Replicate(s.tasks)
		if err != nil {
			return nil, fmt.Errorf("stage %d thread %d: %w", s.index, id, err)
		}
		th.replica = r
	}
	th.cursor = s.line.Cursor(th.replica)

	inStage := make(map[*dataflow.Task]struct{}, len(s.tasks))
	for _, t := range s.tasks {
		inStage[t] = struct{}{}
	}
	received := make(map[*dataflow.Socket]int, len(s.in))
	th.readers = make([][]*dataflow.Socket, len(s.in))
	for i, u := range s.in {
		received[u] = i
		for _, r := range u.Readers() {
			if _, ok := inStage[r.Task()]; ok {
				th.readers[i] = append(th.readers[i], th.local(r))
			}
		}
	}
	th.sources = make([]source, len(s.out))
	for i, u := range s.out {
		if in, ok := received[u]; ok {
			th.sources[i] = source{in: in}
			continue
		}
		th.sources[i] = source{in: -1, socket: th.local(u)}
	}
	return th, nil
}

func (th *thread) local(s *dataflow.Socket) *dataflow.Socket {
	if th.replica == nil {
		return s
	}
	return th.replica.Socket(s)
}

// bind makes readers of received sockets use the payload storage.
func (th *thread) bind(p *payload) error {
	for i := range th.readers {
		for _, r := range th.readers[i] {
			if err := r.BindBuffer(p.data[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// fill copies sent sockets into the payload.
func (th *thread) fill(in, out *payload) {
	for i, src := range th.sources {
		if src.socket == nil {
			copy(out.data[i], in.data[src.in])
			continue
		}
		copy(out.data[i], src.socket.Data())
	}
}

// unbind removes payload bindings.
func (th *thread) unbind() {
	for i := range th.readers {
		for _, r := range th.readers[i] {
			r.UnbindBuffer()
		}
	}
}

// close removes payload bindings and replicas.
func (th *thread) close() {
	th.unbind()
	if th.replica != nil {
		th.replica.Close()
	}
}
