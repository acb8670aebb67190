// Package client is the out-of-process side of a trace: it binds the
// event socket for a traced pid, sends commands to the process's control
// socket and wakes it with SIGURG.
//
// A Tracer drives the handshake on top of a Client:
//
//	c, _ := client.Dial(pid, client.Options{})
//	t := client.NewTracer(c, client.TracerOptions{}, formatter)
//	_ = t.Attach(ctx)
//	_ = t.Add([]string{"Foo#bar(self.id)"}, false)
//	_ = t.Run(ctx)
//	t.Detach()
//
// Commands are acknowledged asynchronously by the traced process. Until
// Run starts the background reader, every acknowledgement is read by the
// Tracer itself while it polls for the condition it waits on.
package client
