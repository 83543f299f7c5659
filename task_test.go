package dataflow_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/dataflow"
	"pipelined.dev/dataflow/mock"
)

type bare struct {
	dataflow.Core
}

func newBare(t *testing.T, name string) *bare {
	t.Helper()
	m := &bare{}
	require.NoError(t, m.Init(m, name))
	return m
}

func TestCreate(t *testing.T) {
	m := newBare(t, "Bare")
	task, err := m.CreateTask("work", nil)
	require.NoError(t, err)
	assert.True(t, task.Replicable())
	assert.False(t, task.Stateful())
	assert.Equal(t, "Bare.work", task.FullName())
	assert.Equal(t, task, m.Task("work"))
	assert.Nil(t, m.Task("rest"))

	_, err = m.CreateTask("work", nil)
	assert.ErrorIs(t, err, dataflow.ErrDuplicateTask)
	_, err = m.CreateTask("", nil)
	assert.ErrorIs(t, err, dataflow.ErrInvalidArgument)

	_, err = task.CreateIn("in", dataflow.Int8, 0)
	assert.ErrorIs(t, err, dataflow.ErrInvalidArgument)
	_, err = task.CreateIn("", dataflow.Int8, 1)
	assert.ErrorIs(t, err, dataflow.ErrInvalidArgument)
	_, err = task.CreateIn("in", dataflow.Datatype(0), 1)
	assert.ErrorIs(t, err, dataflow.ErrInvalidArgument)
	_, err = task.CreateInOut("io", dataflow.Uint16, 3)
	require.NoError(t, err)
	_, err = task.CreateInOut("io", dataflow.Uint16, 3)
	assert.ErrorIs(t, err, dataflow.ErrInvalidArgument)

	// no codelet
	_, err = task.Exec(dataflow.AllFrames, true)
	assert.ErrorIs(t, err, dataflow.ErrUnsupported)

	m.SetCustomName("custom")
	assert.Equal(t, "custom.work", task.FullName())
	assert.Equal(t, "Bare", m.Name())
	assert.NotEmpty(t, m.ID())

	var uninitialized bare
	_, err = uninitialized.CreateTask("work", nil)
	assert.ErrorIs(t, err, dataflow.ErrInvalidArgument)
	assert.ErrorIs(t, uninitialized.Init(nil, "Bare"), dataflow.ErrInvalidArgument)
	assert.ErrorIs(t, uninitialized.Init(&uninitialized, ""), dataflow.ErrInvalidArgument)
}

func TestExecManaged(t *testing.T) {
	a := incrementer[int32](t, 2)
	_, err := a.Tasks()[0].Exec(dataflow.AllFrames, true)
	assert.ErrorIs(t, err, dataflow.ErrUnbound)

	var execErr *dataflow.ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "Incrementer", execErr.Module)
	assert.Equal(t, "increment", execErr.Task)
	assert.Equal(t, dataflow.AllFrames, execErr.Frame)
}

func TestExecWith(t *testing.T) {
	a := incrementer[int32](t, 2)
	task := a.Tasks()[0]
	inBuf, outBuf := dataflow.Alloc(8), dataflow.Alloc(8)

	status, err := dataflow.ExecWith(task, dataflow.AllFrames, inBuf, outBuf)
	require.NoError(t, err)
	assert.Equal(t, dataflow.Success, status)
	assert.Equal(t, []int32{1, 1}, dataflow.Slice[int32](out(a)))

	dataflow.Slice[int32](in(a))[1] = 41
	_, err = dataflow.ExecWith(task, dataflow.AllFrames, inBuf, outBuf)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 42}, dataflow.Slice[int32](out(a)))

	_, err = dataflow.ExecWith(task, dataflow.AllFrames, inBuf)
	assert.ErrorIs(t, err, dataflow.ErrInvalidArgument)
	_, err = dataflow.ExecWith(task, dataflow.AllFrames, inBuf, make([]byte, 4))
	assert.ErrorIs(t, err, dataflow.ErrSize)

	// unmanaged execution needs external output
	b := incrementer[int32](t, 2)
	require.NoError(t, in(b).BindBuffer(inBuf))
	_, err = b.Tasks()[0].Exec(dataflow.AllFrames, false)
	assert.ErrorIs(t, err, dataflow.ErrUnbound)
}

func TestWaves(t *testing.T) {
	m, err := mock.NewInitializer[int16](1, 3)
	require.NoError(t, err)
	require.NoError(t, m.SetNFrames(4))
	require.NoError(t, m.SetNFramesPerWave(3))
	assert.Equal(t, 2, m.NWaves())
	assert.False(t, m.SingleWave())
	assert.Equal(t, 1, m.WaveFrames(3))

	task := m.Tasks()[0]
	_, err = task.Exec(dataflow.AllFrames, true)
	require.NoError(t, err)
	assert.Equal(t, mock.Counter{Calls: 2, Frames: 4}, m.Counter)
	assert.Equal(t, []int16{3, 3, 3, 3}, dataflow.Slice[int16](out(m)))

	// single frame executes its wave
	_, err = task.Exec(3, true)
	require.NoError(t, err)
	assert.Equal(t, mock.Counter{Calls: 3, Frames: 5}, m.Counter)

	_, err = task.Exec(4, true)
	assert.ErrorIs(t, err, dataflow.ErrInvalidArgument)
	assert.ErrorIs(t, m.SetNFramesPerWave(5), dataflow.ErrInvalidArgument)
	assert.ErrorIs(t, m.SetNFrames(0), dataflow.ErrInvalidArgument)

	require.NoError(t, m.SetNFrames(2))
	assert.Equal(t, 2, m.NFramesPerWave())
	assert.True(t, m.SingleWave())
}

func TestExecEndOfStream(t *testing.T) {
	src, err := mock.NewSource[int32](1, 3)
	require.NoError(t, err)
	require.NoError(t, src.SetNFrames(2))
	assert.True(t, src.SingleWave())
	require.NoError(t, src.SetNFramesPerWave(1))
	task := src.Tasks()[0]

	_, err = task.Exec(dataflow.AllFrames, true)
	require.NoError(t, err)
	// the second wave is exhausted, the data of the first one is kept
	status, err := task.Exec(dataflow.AllFrames, true)
	require.NoError(t, err)
	assert.Equal(t, dataflow.Success, status)
	assert.Equal(t, []int32{2, 0}, dataflow.Slice[int32](task.Socket("out")))
	assert.Equal(t, mock.Counter{Calls: 3, Frames: 3}, src.Counter)

	_, err = task.Exec(dataflow.AllFrames, true)
	assert.True(t, dataflow.IsAborted(err))
}

func TestStats(t *testing.T) {
	m, err := mock.NewInitializer[uint8](1, 1)
	require.NoError(t, err)
	task := m.Tasks()[0]
	_, err = task.Exec(dataflow.AllFrames, true)
	require.NoError(t, err)
	assert.Zero(t, task.Stats().Calls)

	task.EnableStats(true)
	for i := 0; i < 3; i++ {
		_, err = task.Exec(dataflow.AllFrames, true)
		require.NoError(t, err)
	}
	stats := task.Stats()
	assert.Equal(t, uint64(3), stats.Calls)
	assert.Zero(t, stats.Failures)
	assert.LessOrEqual(t, stats.Min, stats.Max)
	assert.Equal(t, stats.Total/3, stats.Average())

	task.ResetStats()
	assert.Equal(t, dataflow.Stats{}, task.Stats())
	assert.Zero(t, dataflow.Stats{}.Average())
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "success", dataflow.Success.String())
	assert.Equal(t, "failure", dataflow.Failure.String())
	assert.Equal(t, "status(5)", dataflow.Status(5).String())
}

func TestAfter(t *testing.T) {
	a, err := newBare(t, "A").CreateTask("a", nil)
	require.NoError(t, err)
	b, err := newBare(t, "B").CreateTask("b", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, a.After(a), dataflow.ErrInvalidArgument)
	assert.ErrorIs(t, a.After(nil), dataflow.ErrInvalidArgument)
	require.NoError(t, b.After(a))
	require.NoError(t, b.After(a))
	assert.Equal(t, []*dataflow.Task{a}, b.Dependencies())
	assert.Equal(t, []*dataflow.Task{b}, a.Successors())
	assert.Equal(t, []*dataflow.Task{a}, b.Predecessors())

	b.Unbind()
	assert.Empty(t, b.Dependencies())
	assert.Empty(t, a.Successors())
}
