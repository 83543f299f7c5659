package ctrl_test

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/dataflow"
	"pipelined.dev/dataflow/ctrl"
	"pipelined.dev/dataflow/mock"
)

func exec(t *testing.T, tasks ...*dataflow.Task) error {
	t.Helper()
	for _, task := range tasks {
		if _, err := task.Exec(dataflow.AllFrames, true); err != nil {
			return err
		}
	}
	return nil
}

func TestSwitcher(t *testing.T) {
	_, err := ctrl.NewSwitcher(1, dataflow.Int32, 1)
	assert.ErrorIs(t, err, dataflow.ErrInvalidArgument)

	ini, err := mock.NewInitializer[int32](2, 5)
	require.NoError(t, err)
	control, err := ctrl.NewController(0, 3)
	require.NoError(t, err)
	sw, err := ctrl.NewSwitcher(3, dataflow.Int32, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, sw.Paths())
	assert.Equal(t, 2, sw.Path())

	commute, sel := sw.Commute(), sw.Select()
	assert.True(t, sw.IsCommute(commute))
	assert.False(t, sw.IsCommute(sel))
	assert.True(t, sw.IsSelect(sel))
	assert.Equal(t, 1, sw.PathOf(commute.Socket("data1")))
	assert.Equal(t, 2, sw.PathOf(sel.Socket("data2")))
	assert.Equal(t, -1, sw.PathOf(commute.Socket("data")))

	require.NoError(t, commute.Socket("data").Bind(ini.Tasks()[0].Socket("out")))
	require.NoError(t, commute.Socket("ctrl").Bind(control.Tasks()[0].Socket("ctrl")))
	for i := 0; i < 3; i++ {
		name := "data" + strconv.Itoa(i)
		require.NoError(t, sel.Socket(name).Bind(commute.Socket(name)))
	}

	for path := 0; path < 3; path++ {
		ini.SetValue(int32(path + 10))
		require.NoError(t, exec(t, ini.Tasks()[0], control.Tasks()[0], commute))
		assert.Equal(t, path, sw.Path())
		require.NoError(t, exec(t, sel))
		assert.Equal(t, []int32{int32(path + 10), int32(path + 10)}, dataflow.Slice[int32](sel.Socket("data")))
	}
	// controller wrapped around
	require.NoError(t, exec(t, control.Tasks()[0], commute))
	assert.Equal(t, 0, sw.Path())

	m, err := dataflow.Clone(sw)
	require.NoError(t, err)
	assert.Equal(t, 0, m.(*ctrl.Switcher).Path())

	sw.Reset()
	assert.Equal(t, 2, sw.Path())

	control.SetPath(3)
	err = exec(t, control.Tasks()[0], commute)
	assert.ErrorIs(t, err, dataflow.ErrInvalidArgument)
}

func TestController(t *testing.T) {
	_, err := ctrl.NewController(-1, 0)
	assert.ErrorIs(t, err, dataflow.ErrInvalidArgument)
	_, err = ctrl.NewController(2, 2)
	assert.ErrorIs(t, err, dataflow.ErrInvalidArgument)

	static, err := ctrl.NewController(1, 0)
	require.NoError(t, err)
	assert.False(t, static.Stateful())
	for i := 0; i < 2; i++ {
		require.NoError(t, exec(t, static.Tasks()[0]))
		assert.Equal(t, []int32{1}, dataflow.Slice[int32](static.Tasks()[0].Socket("ctrl")))
	}

	cyclic, err := ctrl.NewController(1, 2)
	require.NoError(t, err)
	require.NoError(t, cyclic.SetNFrames(2))
	assert.True(t, cyclic.Stateful())
	require.NoError(t, exec(t, cyclic.Tasks()[0]))
	assert.Equal(t, []int32{1, 1}, dataflow.Slice[int32](cyclic.Tasks()[0].Socket("ctrl")))

	m, err := dataflow.Clone(cyclic)
	require.NoError(t, err)
	clone := m.(*ctrl.Controller)
	require.NoError(t, exec(t, clone.Tasks()[0]))
	assert.Equal(t, []int32{0, 0}, dataflow.Slice[int32](clone.Tasks()[0].Socket("ctrl")))

	cyclic.Reset()
	require.NoError(t, exec(t, cyclic.Tasks()[0]))
	assert.Equal(t, []int32{1, 1}, dataflow.Slice[int32](cyclic.Tasks()[0].Socket("ctrl")))
}

func TestIterator(t *testing.T) {
	_, err := ctrl.NewIterator(-1)
	assert.ErrorIs(t, err, dataflow.ErrInvalidArgument)

	it, err := ctrl.NewIterator(2)
	require.NoError(t, err)
	out := it.Tasks()[0].Socket("ctrl")
	var got []int32
	for i := 0; i < 6; i++ {
		require.NoError(t, exec(t, it.Tasks()[0]))
		got = append(got, dataflow.Slice[int32](out)[0])
	}
	assert.Equal(t, []int32{0, 0, 1, 0, 0, 1}, got)

	require.NoError(t, exec(t, it.Tasks()[0]))
	m, err := dataflow.Clone(it)
	require.NoError(t, err)
	clone := m.(*ctrl.Iterator)
	require.NoError(t, exec(t, clone.Tasks()[0]))
	assert.Equal(t, []int32{0}, dataflow.Slice[int32](clone.Tasks()[0].Socket("ctrl")))
	require.NoError(t, exec(t, clone.Tasks()[0]))
	assert.Equal(t, []int32{1}, dataflow.Slice[int32](clone.Tasks()[0].Socket("ctrl")))

	it.Reset()
	require.NoError(t, exec(t, it.Tasks()[0], it.Tasks()[0]))
	assert.Equal(t, []int32{0}, dataflow.Slice[int32](out))
}

func TestIteratorWaves(t *testing.T) {
	it, err := ctrl.NewIterator(1)
	require.NoError(t, err)
	require.NoError(t, it.SetNFrames(3))
	require.Equal(t, 3, it.NWaves())
	out := it.Tasks()[0].Socket("ctrl")

	var got [][]int32
	for i := 0; i < 4; i++ {
		require.NoError(t, exec(t, it.Tasks()[0]))
		got = append(got, append([]int32(nil), dataflow.Slice[int32](out)...))
	}
	assert.Equal(t, [][]int32{{0, 0, 0}, {1, 1, 1}, {0, 0, 0}, {1, 1, 1}}, got)

	// a single wave doesn't count as an execution
	_, err = it.Tasks()[0].Exec(0, true)
	require.NoError(t, err)
	_, err = it.Tasks()[0].Exec(0, true)
	require.NoError(t, err)
	assert.Equal(t, []int32{0}, dataflow.Frame[int32](out, 0))
}
