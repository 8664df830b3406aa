// Defines the messages exchanged between the packd CLI and daemon.
//
// Each connection carries exactly one request and one response. Both are a
// single JSON [Envelope] terminated by a newline. Requests name a [Command]
// and carry a command-specific payload; responses use [CmdOK] with a result
// payload or [CmdError] with an [ErrorResult].
//
// The client must not write anything after its request. The daemon treats
// the connection closing as a cancellation of the running command.
package protocol
