// Package server implements the cruxbuild daemon and its client.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands.
// Each connection carries a single request-response exchange: the client
// sends a newline-delimited JSON envelope, the server dispatches the command,
// and writes the result back before closing the connection. Closing the
// connection early cancels a running build.
//
// Supported commands are build, status, and shutdown. Builds are delegated
// to the build package using one backend shared across requests and a
// snapshot store per build.
//
// Example usage:
//
//	srv, err := server.New(server.Config{
//	    Backend: runtime.Config{Kind: runtime.KindContainerd, Address: addr, Namespace: "cruxbuild"},
//	})
//	if err != nil {
//	    return err
//	}
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	<-srv.Done()
package server
