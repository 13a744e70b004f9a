// Package ipc implements the fork channel: the duplex link between the
// orchestrator and one worker process it spawns.
//
// A ForkChannel owns exactly one Endpoint and two pumps:
//
//   - CommandWriter drains a CommandSource and writes framed commands
//   - EventReader decodes framed events and dispatches them to an EventHandler
//
// Two endpoint variants exist. SocketEndpoint listens on an ephemeral
// loopback port and accepts exactly one worker connection. PipeEndpoint
// hands the worker a pair of OS pipes to use as its stdin and stdout.
// The variant is picked once at construction and the pumps never see it.
//
// Both pumps count down a shared CountdownCloser when they finish; the
// endpoint is released only after both have stopped touching it.
//
// Example usage:
//
//	ch, err := ipc.New(1, cfg.Channel, log)
//	if err != nil {
//	    return err
//	}
//	defer ch.Close()
//
//	// hand ch.ConnectionString() to the worker, then
//	if err := ch.Accept(ctx); err != nil {
//	    return err
//	}
//
//	queue := ipc.NewCommandQueue()
//	if err := ch.Bind(ctx, queue, handler); err != nil {
//	    return err
//	}
//	queue.Push(types.NewCommand(types.CommandRun, "com.example.FooTest"))
//	queue.Close()
//
//	return ch.Shutdown(ctx)
package ipc
