// Package command builds the shell commands a deploy run sends to the remote
// host. This is part of the Functional Core - all functions are pure with no I/O.
//
// Every path is single-quoted so that base paths containing spaces or shell
// metacharacters are passed through verbatim.
package command
