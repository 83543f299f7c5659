package sequence_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/dataflow"
	"pipelined.dev/dataflow/ctrl"
	"pipelined.dev/dataflow/internal/execution"
	"pipelined.dev/dataflow/metric"
	"pipelined.dev/dataflow/mock"
	"pipelined.dev/dataflow/sequence"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const elements = 4

// chain returns initializer -> n incrementers -> finalizer.
func chain[T dataflow.Elem](t *testing.T, value T, n int) (*mock.Initializer[T], []*mock.Incrementer[T], *mock.Finalizer[T]) {
	t.Helper()
	init, err := mock.NewInitializer[T](elements, value)
	require.NoError(t, err)
	tasks := []*dataflow.Task{init.Task("initialize")}
	var incs []*mock.Incrementer[T]
	for i := 0; i < n; i++ {
		inc, err := mock.NewIncrementer[T](elements)
		require.NoError(t, err)
		incs = append(incs, inc)
		tasks = append(tasks, inc.Task("increment"))
	}
	fin, err := mock.NewFinalizer[T](elements)
	require.NoError(t, err)
	tasks = append(tasks, fin.Task("finalize"))
	require.NoError(t, mock.Chain(tasks...))
	return init, incs, fin
}

func TestEndToEnd(t *testing.T) {
	t.Run("int32", func(t *testing.T) {
		init, _, fin := chain[int32](t, 1, 6)
		s, err := sequence.New([]*dataflow.Task{init.Task("initialize")})
		require.NoError(t, err)
		defer s.Close()

		require.NoError(t, s.ExecN(context.Background(), 1))
		assert.Equal(t, []int32{7, 7, 7, 7}, fin.Final())
		assert.Equal(t, int64(1), s.Frames())
	})
	t.Run("uint8 overflow", func(t *testing.T) {
		init, _, fin := chain[uint8](t, 255, 6)
		s, err := sequence.New([]*dataflow.Task{init.Task("initialize")})
		require.NoError(t, err)
		defer s.Close()

		require.NoError(t, s.ExecN(context.Background(), 1))
		assert.Equal(t, []uint8{5, 5, 5, 5}, fin.Final())
	})
	t.Run("float64", func(t *testing.T) {
		init, _, fin := chain[float64](t, 1, 6)
		s, err := sequence.New([]*dataflow.Task{init.Task("initialize")})
		require.NoError(t, err)
		defer s.Close()

		require.NoError(t, s.ExecN(context.Background(), 3))
		assert.Equal(t, []float64{7, 7, 7, 7}, fin.Final())
		assert.Len(t, fin.History(), 3)
	})
}

func TestThreads(t *testing.T) {
	tests := []struct {
		name     string
		threads  int
		frames   int
		lockstep bool
	}{
		{name: "single", threads: 1, frames: 10},
		{name: "free", threads: 3, frames: 31},
		{name: "lockstep", threads: 3, frames: 31, lockstep: true},
		{name: "lockstep even", threads: 4, frames: 40, lockstep: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			init, _, fin := chain[int32](t, 1, 6)
			fin.Task("finalize").SetReplicable(true)
			options := []sequence.Option{sequence.WithThreads(test.threads)}
			if test.lockstep {
				options = append(options, sequence.WithLockstep())
			}
			s, err := sequence.New([]*dataflow.Task{init.Task("initialize")}, options...)
			require.NoError(t, err)
			defer s.Close()
			assert.Equal(t, test.threads, s.Threads())

			require.NoError(t, s.ExecN(context.Background(), test.frames))
			assert.Equal(t, int64(test.frames), s.Frames())

			calls := 0
			for w := 0; w < test.threads; w++ {
				f := s.WorkerTask(w, fin.Task("finalize")).Module().(*mock.Finalizer[int32])
				calls += f.Calls
				for _, h := range f.History() {
					assert.Equal(t, []int32{7, 7, 7, 7}, h)
				}
			}
			assert.Equal(t, test.frames, calls)
		})
	}
}

func TestNotReplicable(t *testing.T) {
	init, _, _ := chain[int32](t, 1, 2)
	_, err := sequence.New([]*dataflow.Task{init.Task("initialize")}, sequence.WithThreads(2))
	assert.ErrorIs(t, err, dataflow.ErrNotReplicable)
}

func TestInvalidOptions(t *testing.T) {
	_, err := sequence.New(nil)
	assert.Error(t, err)

	init, _, _ := chain[int32](t, 1, 1)
	_, err = sequence.New([]*dataflow.Task{init.Task("initialize")}, sequence.WithThreads(0))
	assert.Error(t, err)
}

// loop builds: init -> select -> increment -> commute, iterate decides if
// commute goes back to select or to finalizer.
func loop(t *testing.T, limit int) (*dataflow.Task, *mock.Finalizer[int32]) {
	t.Helper()
	init, err := mock.NewInitializer[int32](1, 1)
	require.NoError(t, err)
	sw, err := ctrl.NewSwitcher(2, dataflow.Int32, 1)
	require.NoError(t, err)
	inc, err := mock.NewIncrementer[int32](1)
	require.NoError(t, err)
	it, err := ctrl.NewIterator(limit)
	require.NoError(t, err)
	fin, err := mock.NewFinalizer[int32](1)
	require.NoError(t, err)

	increment, iterate := inc.Task("increment"), it.Task("iterate")
	require.NoError(t, sw.Select().Socket("data1").Bind(init.Task("initialize").Socket("out")))
	require.NoError(t, increment.Socket("in").Bind(sw.Select().Socket("data")))
	require.NoError(t, iterate.After(increment))
	require.NoError(t, sw.Commute().Socket("data").Bind(increment.Socket("out")))
	require.NoError(t, sw.Commute().Socket("ctrl").Bind(iterate.Socket("ctrl")))
	require.NoError(t, sw.Select().Socket("data0").Bind(sw.Commute().Socket("data0")))
	require.NoError(t, fin.Task("finalize").Socket("in").Bind(sw.Commute().Socket("data1")))
	return init.Task("initialize"), fin
}

func TestLoop(t *testing.T) {
	for _, limit := range []int{0, 1, 3, 10} {
		first, fin := loop(t, limit)
		s, err := sequence.New([]*dataflow.Task{first})
		require.NoError(t, err)

		require.NoError(t, s.ExecN(context.Background(), 2))
		require.Len(t, fin.History(), 2)
		for _, h := range fin.History() {
			assert.Equal(t, []int32{int32(1 + limit + 1)}, h, "limit %d", limit)
		}
		assert.NoError(t, s.Close())
	}
}

func TestLoopThreads(t *testing.T) {
	const limit = 5
	first, fin := loop(t, limit)
	fin.Task("finalize").SetReplicable(true)
	s, err := sequence.New([]*dataflow.Task{first}, sequence.WithThreads(2))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.ExecN(context.Background(), 10))
	calls := 0
	for w := 0; w < 2; w++ {
		f := s.WorkerTask(w, fin.Task("finalize")).Module().(*mock.Finalizer[int32])
		calls += f.Calls
		for _, h := range f.History() {
			assert.Equal(t, []int32{1 + limit + 1}, h)
		}
	}
	assert.Equal(t, 10, calls)
}

func TestCycle(t *testing.T) {
	inc1, err := mock.NewIncrementer[int32](1)
	require.NoError(t, err)
	inc2, err := mock.NewIncrementer[int32](1)
	require.NoError(t, err)
	require.NoError(t, mock.Chain(inc1.Task("increment"), inc2.Task("increment"), inc1.Task("increment")))

	_, err = sequence.New([]*dataflow.Task{inc1.Task("increment")})
	assert.ErrorIs(t, err, execution.ErrCycle)
}

func TestSourceExhausted(t *testing.T) {
	source, err := mock.NewSource[int64](2, 10)
	require.NoError(t, err)
	inc, err := mock.NewIncrementer[int64](2)
	require.NoError(t, err)
	fin, err := mock.NewFinalizer[int64](2)
	require.NoError(t, err)
	require.NoError(t, mock.Chain(source.Task("generate"), inc.Task("increment"), fin.Task("finalize")))

	s, err := sequence.New([]*dataflow.Task{source.Task("generate")})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Exec(context.Background(), nil))
	require.Len(t, fin.History(), 10)
	for i, h := range fin.History() {
		assert.Equal(t, []int64{int64(i + 1), int64(i + 1)}, h)
	}
	assert.Equal(t, int64(10), s.Frames())

	// reset rewinds the source
	s.Reset()
	assert.Equal(t, int64(0), s.Frames())
	assert.Empty(t, fin.History())
	require.NoError(t, s.Exec(context.Background(), nil))
	assert.Len(t, fin.History(), 10)
}

func TestStop(t *testing.T) {
	init, _, fin := chain[int32](t, 1, 1)
	s, err := sequence.New([]*dataflow.Task{init.Task("initialize")})
	require.NoError(t, err)
	defer s.Close()

	calls := 0
	require.NoError(t, s.Exec(context.Background(), func() bool {
		calls++
		return calls > 5
	}))
	assert.Len(t, fin.History(), 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Exec(ctx, nil))
	assert.Len(t, fin.History(), 5)
}

func TestError(t *testing.T) {
	errTest := errors.New("test error")
	source, err := mock.NewSource[int32](1, 0)
	require.NoError(t, err)
	source.ErrorOnCall = errTest
	fin, err := mock.NewFinalizer[int32](1)
	require.NoError(t, err)
	require.NoError(t, mock.Chain(source.Task("generate"), fin.Task("finalize")))

	s, err := sequence.New([]*dataflow.Task{source.Task("generate")})
	require.NoError(t, err)
	defer s.Close()

	err = s.Exec(context.Background(), nil)
	assert.ErrorIs(t, err, errTest)
	var execErr *dataflow.ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "generate", execErr.Task)
	assert.Equal(t, "Source", execErr.Module)
}

func TestStepper(t *testing.T) {
	init, _, fin := chain[int32](t, 1, 1)
	s, err := sequence.New([]*dataflow.Task{init.Task("initialize")})
	require.NoError(t, err)
	defer s.Close()

	st := s.Stepper(0)
	for frame := 0; frame < 2; frame++ {
		for step := 0; step < 2; step++ {
			completed, err := st.Step()
			require.NoError(t, err)
			assert.False(t, completed)
		}
		completed, err := st.Step()
		require.NoError(t, err)
		assert.True(t, completed)
		assert.Len(t, fin.History(), frame+1)
	}
	assert.Equal(t, int64(2), s.Frames())
}

func TestMetrics(t *testing.T) {
	m, err := metric.New(nil)
	require.NoError(t, err)
	init, _, _ := chain[int32](t, 1, 2)
	s, err := sequence.New([]*dataflow.Task{init.Task("initialize")}, sequence.WithMetrics(m))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.ExecN(context.Background(), 7))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.Frames.WithLabelValues(s.ID(), "0")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.Calls.WithLabelValues(s.ID(), "Initializer.initialize", "success")))
}

func TestExportDOT(t *testing.T) {
	first, _ := loop(t, 1)
	s, err := sequence.New([]*dataflow.Task{first})
	require.NoError(t, err)
	defer s.Close()

	var buf bytes.Buffer
	require.NoError(t, s.ExportDOT(&buf))
	dot := buf.String()
	assert.Contains(t, dot, "digraph \"sequence\"")
	assert.Contains(t, dot, "Switcher.commute")
	assert.Contains(t, dot, "style=dashed")
	assert.Len(t, s.Tasks(), 6)
}

func TestLockstepRepeated(t *testing.T) {
	for _, threads := range []int{2, 3, 5} {
		init, _, fin := chain[int32](t, 1, 2)
		fin.Task("finalize").SetReplicable(true)
		s, err := sequence.New([]*dataflow.Task{init.Task("initialize")},
			sequence.WithThreads(threads), sequence.WithLockstep())
		require.NoError(t, err)

		for i := 0; i < 50; i++ {
			done := make(chan error, 1)
			go func() {
				done <- s.ExecN(context.Background(), 31)
			}()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatalf("%d threads: run %d didn't complete, frames %d", threads, i, s.Frames())
			}
			require.Equal(t, int64(31*(i+1)), s.Frames(), "%d threads: run %d", threads, i)
		}
		require.NoError(t, s.Close())
	}
}

func TestPartialCall(t *testing.T) {
	for _, perWave := range []int{1, 2} {
		source, err := mock.NewSource[int32](1, 3)
		require.NoError(t, err)
		require.NoError(t, source.SetNFrames(2))
		require.NoError(t, source.SetNFramesPerWave(perWave))
		fin, err := mock.NewFinalizer[int32](1)
		require.NoError(t, err)
		require.NoError(t, fin.SetNFrames(2))
		require.NoError(t, mock.Chain(source.Task("generate"), fin.Task("finalize")))

		s, err := sequence.New([]*dataflow.Task{source.Task("generate")})
		require.NoError(t, err)
		require.NoError(t, s.Exec(context.Background(), nil))
		// the last frame of the exhausted call is padding
		assert.Equal(t, [][]int32{{0}, {1}, {2}, {0}}, fin.History(), "%d frames per wave", perWave)
		assert.Equal(t, 3, source.Frames)
		assert.Equal(t, int64(2), s.Frames())
		require.NoError(t, s.Close())
	}
}

func TestClosed(t *testing.T) {
	init, _, _ := chain[int32](t, 1, 1)
	s, err := sequence.New([]*dataflow.Task{init.Task("initialize")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.ExecN(context.Background(), 1), dataflow.ErrClosed)
	assert.ErrorIs(t, s.Exec(context.Background(), nil), dataflow.ErrClosed)
	_, err = s.Stepper(0).Step()
	assert.ErrorIs(t, err, dataflow.ErrClosed)
}

func TestSeed(t *testing.T) {
	ini, err := mock.NewInitializer[int64](elements, 0)
	require.NoError(t, err)
	noise, err := mock.NewNoise[int64](elements, 1<<30, 0)
	require.NoError(t, err)
	fin, err := mock.NewFinalizer[int64](elements)
	require.NoError(t, err)
	fin.Task("finalize").SetReplicable(true)
	require.NoError(t, mock.Chain(ini.Task("initialize"), noise.Task("add"), fin.Task("finalize")))

	s, err := sequence.New([]*dataflow.Task{ini.Task("initialize")},
		sequence.WithThreads(2), sequence.WithLockstep(), sequence.WithSeed(100))
	require.NoError(t, err)
	defer s.Close()

	histories := func() [][][]int64 {
		var h [][][]int64
		for w := 0; w < 2; w++ {
			f := s.WorkerTask(w, fin.Task("finalize")).Module().(*mock.Finalizer[int64])
			h = append(h, f.History())
		}
		return h
	}
	seeds := make(map[int64]struct{})
	for w := 0; w < 2; w++ {
		n := s.WorkerTask(w, noise.Task("add")).Module().(*mock.Noise[int64])
		seeds[n.SeedValue()] = struct{}{}
	}
	assert.Len(t, seeds, 2)

	require.NoError(t, s.ExecN(context.Background(), 6))
	first := histories()
	require.Len(t, first[0], 3)
	require.Len(t, first[1], 3)
	assert.NotEqual(t, first[0], first[1])

	// reset seeds the workers again and replays the streams
	s.Reset()
	require.NoError(t, s.ExecN(context.Background(), 6))
	assert.Equal(t, first, histories())
}
