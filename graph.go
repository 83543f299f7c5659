package dataflow

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Discover returns all tasks reachable from the first ones, following
// data bindings and control dependencies. Tasks are listed in the order
// of discovery. Traversal doesn't go further than the stop tasks, but
// the stop tasks themselves are included.
func Discover(first []*Task, stop ...*Task) []*Task {
	visited := make(map[*Task]struct{})
	isStop := make(map[*Task]struct{}, len(stop))
	for _, t := range stop {
		isStop[t] = struct{}{}
	}
	var (
		tasks []*Task
		queue = make([]*Task, 0, len(first))
	)
	for _, t := range first {
		if _, ok := visited[t]; !ok {
			visited[t] = struct{}{}
			queue = append(queue, t)
		}
	}
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		tasks = append(tasks, t)
		if _, ok := isStop[t]; ok {
			continue
		}
		for _, n := range t.Successors() {
			if _, ok := visited[n]; ok {
				continue
			}
			visited[n] = struct{}{}
			queue = append(queue, n)
		}
	}
	return tasks
}

// Modules returns distinct modules that own provided tasks, in the order
// of tasks.
func Modules(tasks []*Task) []Module {
	seen := make(map[Module]struct{})
	var modules []Module
	for _, t := range tasks {
		if _, ok := seen[t.module]; ok {
			continue
		}
		seen[t.module] = struct{}{}
		modules = append(modules, t.module)
	}
	return modules
}

// Replica is a deep copy of a set of tasks.
type Replica struct {
	Modules []Module
	tasks   map[*Task]*Task
	sockets map[*Socket]*Socket
}

// Task returns the copy of the original task. Nil is returned if task is
// not replicated.
func (r *Replica) Task(t *Task) *Task {
	return r.tasks[t]
}

// Socket returns the copy of the original socket.
func (r *Replica) Socket(s *Socket) *Socket {
	return r.sockets[s]
}

// Close unbinds all replicated tasks.
func (r *Replica) Close() {
	for _, c := range r.tasks {
		c.Unbind()
	}
}

// Replicate clones all modules that own provided tasks and reproduces
// bindings between them. Inputs bound to sockets outside of the set are
// left unbound, callers bind buffers to them. Non-replicable tasks can't
// be replicated.
func Replicate(tasks []*Task) (*Replica, error) {
	for _, t := range tasks {
		if !t.replicable {
			return nil, fmt.Errorf("%w: %s", ErrNotReplicable, t.FullName())
		}
	}
	r := &Replica{
		tasks:   make(map[*Task]*Task, len(tasks)),
		sockets: make(map[*Socket]*Socket),
	}
	modules := Modules(tasks)
	for _, m := range modules {
		c, err := Clone(m)
		if err != nil {
			return nil, err
		}
		r.Modules = append(r.Modules, c)
		for i, t := range m.core().tasks {
			ct := c.core().tasks[i]
			r.tasks[t] = ct
			for j, s := range t.sockets {
				r.sockets[s] = ct.sockets[j]
			}
		}
	}
	inSet := make(map[*Task]struct{}, len(tasks))
	for _, t := range tasks {
		inSet[t] = struct{}{}
	}
	for _, t := range tasks {
		ct := r.tasks[t]
		for j, s := range t.sockets {
			if s.upstream == nil {
				continue
			}
			if _, ok := inSet[s.upstream.task]; !ok {
				continue
			}
			if err := ct.sockets[j].Bind(r.sockets[s.upstream]); err != nil {
				r.Close()
				return nil, err
			}
		}
		for _, p := range t.after {
			if _, ok := inSet[p]; !ok {
				continue
			}
			if err := ct.After(r.tasks[p]); err != nil {
				r.Close()
				return nil, err
			}
		}
	}
	return r, nil
}

// WriteDOT writes the graph of provided tasks in Graphviz format. If more
// than one group is provided, every group is rendered as a cluster.
func WriteDOT(w io.Writer, name string, groups ...[]*Task) error {
	bw := bufio.NewWriter(w)
	ids := make(map[*Task]string)
	var all []*Task
	for _, g := range groups {
		for _, t := range g {
			if _, ok := ids[t]; ok {
				continue
			}
			ids[t] = fmt.Sprintf("t%d", len(ids))
			all = append(all, t)
		}
	}
	fmt.Fprintf(bw, "digraph %q {\n", name)
	fmt.Fprintln(bw, "\tnode [shape=record];")
	for i, g := range groups {
		indent := "\t"
		if len(groups) > 1 {
			fmt.Fprintf(bw, "\tsubgraph cluster_%d {\n\t\tlabel=\"stage %d\";\n", i, i)
			indent = "\t\t"
		}
		for _, t := range g {
			fmt.Fprintf(bw, "%s%s [label=\"%s\"];\n", indent, ids[t], taskLabel(t))
		}
		if len(groups) > 1 {
			fmt.Fprintln(bw, "\t}")
		}
	}
	for _, t := range all {
		for _, s := range t.sockets {
			if s.upstream == nil {
				continue
			}
			from, ok := ids[s.upstream.task]
			if !ok {
				continue
			}
			fmt.Fprintf(bw, "\t%s:%s -> %s:%s;\n", from, s.upstream.name, ids[t], s.name)
		}
		for _, p := range t.after {
			if from, ok := ids[p]; ok {
				fmt.Fprintf(bw, "\t%s -> %s [style=dashed];\n", from, ids[t])
			}
		}
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}

func taskLabel(t *Task) string {
	var ins, outs []string
	for _, s := range t.sockets {
		port := fmt.Sprintf("<%s> %s", s.name, s.name)
		if s.dir == Out {
			outs = append(outs, port)
		} else {
			ins = append(ins, port)
		}
	}
	return fmt.Sprintf("{{%s}|%s|{%s}}", strings.Join(ins, "|"), escape(t.FullName()), strings.Join(outs, "|"))
}

func escape(s string) string {
	r := strings.NewReplacer("{", "\\{", "}", "\\}", "|", "\\|", "<", "\\<", ">", "\\>", "\"", "\\\"")
	return r.Replace(s)
}
