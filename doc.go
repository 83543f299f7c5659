/*
Package dataflow allows to build and execute streaming dataflow graphs.

Concept

An application is a graph of modules. Every module owns one or more tasks
and every task owns an ordered list of typed sockets:

    In    - reads data produced upstream;
    Out   - writes data, owned by the task;
    InOut - reads upstream data and modifies it in place;
    Fwd   - like InOut, but can be bound further downstream.

Sockets are bound together to form the graph:

    incr.Tasks()[0].Socket("in").Bind(init.Tasks()[0].Socket("out"))

Binding is checked immediately: direction, datatype and total size must
match, otherwise a *BindError is returned and nothing is bound.

Execution

A task executes its codelet for a frame id:

    status, err := task.Exec(dataflow.AllFrames, true)

Codelets return Success or Failure. Failure is never retried. The
ErrProcessingAborted error is the expected end of stream signal and is
caught by the executors in sequence and pipeline packages.

Cloning

Executors replicate modules once per extra worker. Cloning is a two-step
capability: Spawner produces a fresh instance and StateCopier copies the
private state into it. Modules that can't do that are reported with
ErrUnsupported instead of being shared between goroutines.
*/
package dataflow
