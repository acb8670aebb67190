// Package eventstream reads datagrams from a traced process's event
// socket, decodes them and hands them to a Handler on a single goroutine.
package eventstream
