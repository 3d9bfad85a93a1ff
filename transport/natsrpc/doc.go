// Package natsrpc carries task requests over NATS request/reply.
//
// Every operation of a task lives on its own subject:
//
//	orocos.task.<task>.<operation>
//
// where <task> is the task name with NATS reserved characters replaced
// (see Token). Requests and replies are JSON. A reply holds either a result
// or an error tagged with its kind, so the calling side can tell a missing
// port or property (not_found) from a refused operation (rejected) and from
// a task that went away (com).
//
// Client implements task.Remote for one task. Transport failures (timeouts,
// no responders, a closed connection, an open circuit breaker) are reported
// as errors.ComError naming the task. Ping is bounded by the connect timeout,
// every other request by the call timeout.
//
// Server answers requests for the tasks of a task.Host and installs itself
// as the host's forwarder, so samples written on a hosted output port reach
// readers living in other processes.
//
//	server := natsrpc.NewServer(nc, host, natsrpc.WithMetrics(m))
//	if err := server.ServeAll(); err != nil {
//	    return err
//	}
//	remote := natsrpc.NewClient("camera", nc, natsrpc.WithCallTimeout(time.Second))
//	handle := task.NewHandle("camera", remote)
package natsrpc
