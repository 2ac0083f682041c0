// Package protocol defines the messages exchanged with the cruxbuild daemon.
//
// Every message is a single line of JSON holding an [Envelope]: a command
// name and an optional payload. Requests use [CmdBuild], [CmdStatus], or
// [CmdShutdown]; responses use [CmdOK] or [CmdError].
package protocol
