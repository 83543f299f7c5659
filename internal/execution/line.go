// Package execution compiles task graphs into lines: ordered tasks with
// the rules to skip untaken paths and to jump back along loops.
package execution

import (
	"errors"
	"fmt"

	"pipelined.dev/dataflow"
)

var (
	// ErrCycle is returned if the graph has a cycle that doesn't go from
	// a commute path to a select task.
	ErrCycle = errors.New("cycle in task graph")
	// ErrBackEdge is returned if the graph has a loop, but loops are not
	// allowed.
	ErrBackEdge = errors.New("back edge in task graph")
)

type (
	// Line is a compiled task graph.
	Line struct {
		nodes []node
		index map[*dataflow.Task]int
	}

	node struct {
		task *dataflow.Task
		in   []edge
		// sw is not nil for commute tasks.
		sw dataflow.Switch
		// selects is true for select tasks.
		selects bool
		// jumps maps commute paths to the select node they loop back to.
		jumps map[int]int
		// reach lists nodes reachable from select node.
		reach []int
	}

	edge struct {
		from int
		// path of commute output, -1 for regular edges.
		path int
	}

	arc struct {
		to   int
		path int
	}
)

// Compile compiles provided tasks into the line. All tasks must be
// reachable from the first ones. Bindings to tasks outside of the set are
// ignored. If loops is false, back edges are reported with ErrBackEdge.
func Compile(first, tasks []*dataflow.Task, loops bool) (*Line, error) {
	l := &Line{
		nodes: make([]node, len(tasks)),
		index: make(map[*dataflow.Task]int, len(tasks)),
	}
	for i, t := range tasks {
		l.index[t] = i
		l.nodes[i].task = t
		if sw, ok := t.Module().(dataflow.Switch); ok {
			if sw.IsCommute(t) {
				l.nodes[i].sw = sw
			}
			l.nodes[i].selects = sw.IsSelect(t)
		}
	}

	out := make([][]arc, len(tasks))
	for i, t := range tasks {
		for _, s := range t.Sockets() {
			up := s.Upstream()
			if up == nil {
				continue
			}
			from, ok := l.index[up.Task()]
			if !ok {
				continue
			}
			path := -1
			if sw := l.nodes[from].sw; sw != nil {
				path = sw.PathOf(up)
			}
			out[from] = append(out[from], arc{to: i, path: path})
		}
		for _, d := range t.Dependencies() {
			if from, ok := l.index[d]; ok {
				out[from] = append(out[from], arc{to: i, path: -1})
			}
		}
	}

	back, err := l.backEdges(first, out, loops)
	if err != nil {
		return nil, err
	}
	for from := range out {
		for _, a := range out[from] {
			if back[[2]int{from, a.to}] {
				continue
			}
			l.nodes[a.to].in = append(l.nodes[a.to].in, edge{from: from, path: a.path})
		}
	}
	if err := l.sort(); err != nil {
		return nil, err
	}
	for i := range l.nodes {
		if !l.nodes[i].selects {
			continue
		}
		l.nodes[i].reach = l.reachable(i)
	}
	return l, nil
}

// backEdges finds edges that close loops with depth-first search from
// the first tasks. Such edges must go from commute path to select.
func (l *Line) backEdges(first []*dataflow.Task, out [][]arc, loops bool) (map[[2]int]bool, error) {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(l.nodes))
	back := make(map[[2]int]bool)
	var visit func(i int) error
	visit = func(i int) error {
		color[i] = grey
		for _, a := range out[i] {
			switch color[a.to] {
			case white:
				if err := visit(a.to); err != nil {
					return err
				}
			case grey:
				from, to := l.nodes[i], l.nodes[a.to]
				if !loops {
					return fmt.Errorf("%w: %s -> %s", ErrBackEdge, from.task.FullName(), to.task.FullName())
				}
				if from.sw == nil || a.path < 0 || !to.selects {
					return fmt.Errorf("%w: %s -> %s", ErrCycle, from.task.FullName(), to.task.FullName())
				}
				if from.jumps == nil {
					l.nodes[i].jumps = make(map[int]int)
				}
				l.nodes[i].jumps[a.path] = a.to
				back[[2]int{i, a.to}] = true
			}
		}
		color[i] = black
		return nil
	}
	for _, t := range first {
		i, ok := l.index[t]
		if !ok {
			return nil, fmt.Errorf("%w: first task %s is not in the graph", dataflow.ErrInvalidArgument, t.FullName())
		}
		if color[i] == white {
			if err := visit(i); err != nil {
				return nil, err
			}
		}
	}
	for i := range color {
		if color[i] == white {
			return nil, fmt.Errorf("%w: task %s is not reachable", dataflow.ErrInvalidArgument, l.nodes[i].task.FullName())
		}
	}
	return back, nil
}

// sort orders nodes topologically. Initial order is kept where possible.
func (l *Line) sort() error {
	n := len(l.nodes)
	indegree := make([]int, n)
	succ := make([][]int, n)
	for i := range l.nodes {
		for _, e := range l.nodes[i].in {
			indegree[i]++
			succ[e.from] = append(succ[e.from], i)
		}
	}
	order := make([]int, 0, n)
	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	for len(ready) > 0 {
		// pick the smallest index to keep discovery order
		min := 0
		for j := range ready {
			if ready[j] < ready[min] {
				min = j
			}
		}
		i := ready[min]
		ready = append(ready[:min], ready[min+1:]...)
		order = append(order, i)
		for _, s := range succ[i] {
			indegree[s]--
			if indegree[s] == 0 {
				ready = append(ready, s)
			}
		}
	}
	if len(order) != n {
		return fmt.Errorf("%w: %d tasks are not ordered", ErrCycle, n-len(order))
	}

	// remap indices
	pos := make([]int, n)
	for p, i := range order {
		pos[i] = p
	}
	nodes := make([]node, n)
	for p, i := range order {
		nd := l.nodes[i]
		for j := range nd.in {
			nd.in[j].from = pos[nd.in[j].from]
		}
		if nd.jumps != nil {
			for path, to := range nd.jumps {
				nd.jumps[path] = pos[to]
			}
		}
		nodes[p] = nd
		l.index[nd.task] = p
	}
	l.nodes = nodes
	return nil
}

func (l *Line) reachable(from int) []int {
	succ := make([][]int, len(l.nodes))
	for i := range l.nodes {
		for _, e := range l.nodes[i].in {
			succ[e.from] = append(succ[e.from], i)
		}
	}
	seen := make([]bool, len(l.nodes))
	seen[from] = true
	queue := []int{from}
	var reach []int
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		reach = append(reach, i)
		for _, s := range succ[i] {
			if !seen[s] {
				seen[s] = true
				queue = append(queue, s)
			}
		}
	}
	return reach
}

// Tasks returns tasks in execution order.
func (l *Line) Tasks() []*dataflow.Task {
	tasks := make([]*dataflow.Task, len(l.nodes))
	for i := range l.nodes {
		tasks[i] = l.nodes[i].task
	}
	return tasks
}

// Loops returns true if the line has back edges.
func (l *Line) Loops() bool {
	for i := range l.nodes {
		if len(l.nodes[i].jumps) > 0 {
			return true
		}
	}
	return false
}

// Cursor executes the line task by task. Every worker needs its own
// cursor.
type Cursor struct {
	line   *Line
	tasks  []*dataflow.Task
	done   []bool
	pos    int
	forced bool
}

// Cursor returns a new cursor for the line. If replica is not nil, its
// tasks are executed instead of the original ones.
func (l *Line) Cursor(replica *dataflow.Replica) *Cursor {
	tasks := l.Tasks()
	if replica != nil {
		for i := range tasks {
			tasks[i] = replica.Task(tasks[i])
		}
	}
	return &Cursor{
		line:  l,
		tasks: tasks,
		done:  make([]bool, len(tasks)),
	}
}

// Tasks returns tasks executed by the cursor in line order.
func (c *Cursor) Tasks() []*dataflow.Task {
	return c.tasks
}

// Step executes the next task with provided function. It returns true if
// the traversal of the line is completed. Untaken paths are skipped.
func (c *Cursor) Step(exec func(*dataflow.Task) error) (bool, error) {
	c.skip()
	if c.pos == len(c.tasks) {
		c.Rewind()
		return true, nil
	}
	i := c.pos
	c.forced = false
	if err := exec(c.tasks[i]); err != nil {
		return false, err
	}
	c.done[i] = true
	c.pos++
	if nd := c.line.nodes[i]; nd.jumps != nil {
		if to, ok := nd.jumps[c.path(i)]; ok {
			for _, r := range c.line.nodes[to].reach {
				c.done[r] = false
			}
			c.pos = to
			c.forced = true
		}
	}
	c.skip()
	if c.pos == len(c.tasks) {
		c.Rewind()
		return true, nil
	}
	return false, nil
}

// Run executes all tasks of one traversal.
func (c *Cursor) Run(exec func(*dataflow.Task) error) error {
	for {
		completed, err := c.Step(exec)
		if err != nil {
			return err
		}
		if completed {
			return nil
		}
	}
}

// Rewind resets the cursor to the start of traversal.
func (c *Cursor) Rewind() {
	for i := range c.done {
		c.done[i] = false
	}
	c.pos = 0
	c.forced = false
}

func (c *Cursor) skip() {
	if c.forced {
		return
	}
	for c.pos < len(c.tasks) && !c.ready(c.pos) {
		c.pos++
	}
}

// ready returns true if the node at position can be executed: select
// needs any active input, other tasks need all inputs active.
func (c *Cursor) ready(i int) bool {
	nd := c.line.nodes[i]
	if len(nd.in) == 0 {
		return true
	}
	for _, e := range nd.in {
		active := c.done[e.from] && (e.path < 0 || c.path(e.from) == e.path)
		if nd.selects && active {
			return true
		}
		if !nd.selects && !active {
			return false
		}
	}
	return !nd.selects
}

// path returns the committed path of the commute at position. Replicas
// have their own switches.
func (c *Cursor) path(i int) int {
	if sw, ok := c.tasks[i].Module().(dataflow.Switch); ok {
		return sw.Path()
	}
	return -1
}
