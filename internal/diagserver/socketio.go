package diagserver

import (
	"log/slog"

	socketio "github.com/googollee/go-socket.io"
)

// CommandHandler executes a named diagnostic command (e.g. "reload_matrix",
// "dump_conditions") issued by a connected tool over the socket.io command
// channel.
type CommandHandler interface {
	HandleCommand(name string, args map[string]any) (any, error)
}

// newSocketIOServer wires a go-socket.io server exposing a narrow
// request/response command channel, separate from the read-only
// websocket tail — local diagnostic tooling issues imperative commands
// here (force a matrix reload, dump active-condition state) rather than
// just observing the snapshot stream.
func newSocketIOServer(handler CommandHandler) (*socketio.Server, error) {
	server := socketio.NewServer(nil)

	server.OnConnect("/", func(s socketio.Conn) error {
		slog.Info("diagserver: socket.io client connected", "id", s.ID())
		return nil
	})

	server.OnEvent("/", "command", func(s socketio.Conn, name string, args map[string]any) map[string]any {
		result, err := handler.HandleCommand(name, args)
		if err != nil {
			return map[string]any{"ok": false, "error": err.Error()}
		}
		return map[string]any{"ok": true, "result": result}
	})

	server.OnError("/", func(s socketio.Conn, err error) {
		slog.Warn("diagserver: socket.io connection error", "error", err)
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		slog.Info("diagserver: socket.io client disconnected", "id", s.ID(), "reason", reason)
	})

	return server, nil
}
