package execution_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/dataflow"
	"pipelined.dev/dataflow/ctrl"
	"pipelined.dev/dataflow/internal/execution"
	"pipelined.dev/dataflow/mock"
)

type tracer struct {
	trace []string
}

func (tr *tracer) exec(t *dataflow.Task) error {
	tr.trace = append(tr.trace, t.FullName())
	_, err := t.Exec(dataflow.AllFrames, true)
	return err
}

func compile(t *testing.T, first []*dataflow.Task, loops bool) (*execution.Line, error) {
	t.Helper()
	return execution.Compile(first, dataflow.Discover(first), loops)
}

func TestLinear(t *testing.T) {
	ini, err := mock.NewInitializer[int32](1, 1)
	require.NoError(t, err)
	inc, err := mock.NewIncrementer[int32](1)
	require.NoError(t, err)
	fin, err := mock.NewFinalizer[int32](1)
	require.NoError(t, err)
	chain := []*dataflow.Task{ini.Tasks()[0], inc.Tasks()[0], fin.Tasks()[0]}
	require.NoError(t, mock.Chain(chain...))

	// order doesn't depend on the order of provided tasks
	l, err := execution.Compile(chain[:1], []*dataflow.Task{chain[2], chain[0], chain[1]}, false)
	require.NoError(t, err)
	assert.Equal(t, chain, l.Tasks())
	assert.False(t, l.Loops())

	var tr tracer
	c := l.Cursor(nil)
	completed, err := c.Step(tr.exec)
	require.NoError(t, err)
	assert.False(t, completed)
	c.Rewind()
	require.NoError(t, c.Run(tr.exec))
	assert.Equal(t, []string{
		"Initializer.initialize",
		"Initializer.initialize",
		"Incrementer.increment",
		"Finalizer.finalize",
	}, tr.trace)
	assert.Equal(t, []int32{2}, fin.Final())
}

func TestInvalid(t *testing.T) {
	ini, err := mock.NewInitializer[int32](1, 1)
	require.NoError(t, err)
	a, err := mock.NewIncrementer[int32](1)
	require.NoError(t, err)
	b, err := mock.NewIncrementer[int32](1)
	require.NoError(t, err)
	require.NoError(t, mock.Chain(ini.Tasks()[0], a.Tasks()[0], b.Tasks()[0]))

	_, err = execution.Compile(ini.Tasks(), b.Tasks(), true)
	assert.ErrorIs(t, err, dataflow.ErrInvalidArgument)
	_, err = execution.Compile(ini.Tasks(), append(ini.Tasks(), b.Tasks()...), true)
	assert.ErrorIs(t, err, dataflow.ErrInvalidArgument)

	require.NoError(t, a.Tasks()[0].After(b.Tasks()[0]))
	_, err = compile(t, ini.Tasks(), true)
	assert.ErrorIs(t, err, execution.ErrCycle)
	_, err = compile(t, ini.Tasks(), false)
	assert.ErrorIs(t, err, execution.ErrBackEdge)
}

func TestSwitch(t *testing.T) {
	ini, err := mock.NewInitializer[int32](1, 1)
	require.NoError(t, err)
	control, err := ctrl.NewController(0, 0)
	require.NoError(t, err)
	sw, err := ctrl.NewSwitcher(2, dataflow.Int32, 1)
	require.NoError(t, err)
	a, err := mock.NewIncrementer[int32](1)
	require.NoError(t, err)
	a.SetCustomName("A")
	b, err := mock.NewIncrementer[int32](1)
	require.NoError(t, err)
	b.SetCustomName("B")
	fin, err := mock.NewFinalizer[int32](1)
	require.NoError(t, err)

	commute, sel := sw.Commute(), sw.Select()
	require.NoError(t, commute.Socket("data").Bind(ini.Tasks()[0].Socket("out")))
	require.NoError(t, commute.Socket("ctrl").Bind(control.Tasks()[0].Socket("ctrl")))
	require.NoError(t, a.Tasks()[0].Bind(0, commute.Socket("data0")))
	require.NoError(t, b.Tasks()[0].Bind(0, commute.Socket("data1")))
	require.NoError(t, sel.Socket("data0").Bind(a.Tasks()[0].Socket("out")))
	require.NoError(t, sel.Socket("data1").Bind(b.Tasks()[0].Socket("out")))
	require.NoError(t, fin.Tasks()[0].Bind(0, sel.Socket("data")))

	first := []*dataflow.Task{ini.Tasks()[0], control.Tasks()[0]}
	l, err := compile(t, first, true)
	require.NoError(t, err)
	assert.False(t, l.Loops())

	var tr tracer
	c := l.Cursor(nil)
	require.NoError(t, c.Run(tr.exec))
	assert.Equal(t, []string{
		"Initializer.initialize",
		"Controller.control",
		"Switcher.commute",
		"A.increment",
		"Switcher.select",
		"Finalizer.finalize",
	}, tr.trace)

	tr.trace = nil
	control.SetPath(1)
	require.NoError(t, c.Run(tr.exec))
	assert.Equal(t, "B.increment", tr.trace[3])
	assert.Len(t, tr.trace, 6)
	assert.Equal(t, [][]int32{{2}, {2}}, fin.History())
	assert.Equal(t, 1, a.Calls)
	assert.Equal(t, 1, b.Calls)

	// path out of range
	control.SetPath(2)
	err = c.Run(tr.exec)
	assert.ErrorIs(t, err, dataflow.ErrInvalidArgument)
}

func TestLoop(t *testing.T) {
	ini, err := mock.NewInitializer[int32](1, 1)
	require.NoError(t, err)
	sw, err := ctrl.NewSwitcher(2, dataflow.Int32, 1)
	require.NoError(t, err)
	inc, err := mock.NewIncrementer[int32](1)
	require.NoError(t, err)
	it, err := ctrl.NewIterator(2)
	require.NoError(t, err)
	fin, err := mock.NewFinalizer[int32](1)
	require.NoError(t, err)

	commute, sel := sw.Commute(), sw.Select()
	require.NoError(t, sel.Socket("data1").Bind(ini.Tasks()[0].Socket("out")))
	require.NoError(t, inc.Tasks()[0].Bind(0, sel.Socket("data")))
	require.NoError(t, it.Tasks()[0].After(inc.Tasks()[0]))
	require.NoError(t, commute.Socket("data").Bind(inc.Tasks()[0].Socket("out")))
	require.NoError(t, commute.Socket("ctrl").Bind(it.Tasks()[0].Socket("ctrl")))
	require.NoError(t, sel.Socket("data0").Bind(commute.Socket("data0")))
	require.NoError(t, fin.Tasks()[0].Bind(0, commute.Socket("data1")))

	_, err = compile(t, ini.Tasks(), false)
	assert.ErrorIs(t, err, execution.ErrBackEdge)

	l, err := compile(t, ini.Tasks(), true)
	require.NoError(t, err)
	assert.True(t, l.Loops())

	body := []string{"Switcher.select", "Incrementer.increment", "Iterator.iterate", "Switcher.commute"}
	var expected []string
	expected = append(expected, "Initializer.initialize")
	for i := 0; i < 3; i++ {
		expected = append(expected, body...)
	}
	expected = append(expected, "Finalizer.finalize")

	var tr tracer
	c := l.Cursor(nil)
	steps := 0
	for {
		completed, err := c.Step(tr.exec)
		require.NoError(t, err)
		steps++
		if completed {
			break
		}
	}
	assert.Equal(t, len(expected), steps)
	assert.Equal(t, expected, tr.trace)
	assert.Equal(t, []int32{4}, fin.Final())

	// the next traversal starts over
	tr.trace = nil
	require.NoError(t, c.Run(tr.exec))
	assert.Equal(t, expected, tr.trace)
}

func TestCursorReplica(t *testing.T) {
	ini, err := mock.NewInitializer[int32](1, 5)
	require.NoError(t, err)
	inc, err := mock.NewIncrementer[int32](1)
	require.NoError(t, err)
	chain := []*dataflow.Task{ini.Tasks()[0], inc.Tasks()[0]}
	require.NoError(t, mock.Chain(chain...))

	l, err := compile(t, chain[:1], false)
	require.NoError(t, err)
	r, err := dataflow.Replicate(l.Tasks())
	require.NoError(t, err)
	defer r.Close()

	c := l.Cursor(r)
	assert.Equal(t, []*dataflow.Task{r.Task(chain[0]), r.Task(chain[1])}, c.Tasks())
	var tr tracer
	require.NoError(t, c.Run(tr.exec))
	assert.Equal(t, []int32{6}, dataflow.Slice[int32](r.Task(chain[1]).Socket("out")))
	assert.Zero(t, inc.Calls)
}
