package dispatcher

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/sessiondriver/internal/childdriver"
	"github.com/shehryarbajwa/sessiondriver/pkg/wire"
)

// tunnelUpgrader accepts connections from any origin: the tunnel is a
// local debugging aid, not a browser-facing surface, and callers are
// expected to be trusted local tooling.
var tunnelUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleTunnel implements the non-spec
// GET /session/driver/{public_id}/tunnel extension (SPEC_FULL.md §4.5):
// a raw byte relay between a WebSocket client and the child's loopback
// port, for tooling that wants to speak the driver's wire protocol
// directly. The port is the one the child was spawned with (its
// WebDriver HTTP port); no other port of the child is reachable here.
// Adapted from the teacher's client↔chrome CDP relay: same bidirectional
// two-goroutine shape, but relaying raw TCP bytes as binary WebSocket
// frames instead of two WebSocket peers.
func (d *Dispatcher) handleTunnel(w http.ResponseWriter, r *http.Request) {
	publicID := mux.Vars(r)["id"]

	session, err := d.Registry.Lookup(publicID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, wire.InvalidSessionID())
		return
	}
	if session.State() != childdriver.Ready {
		writeJSON(w, http.StatusNotFound, wire.InvalidSessionID())
		return
	}
	host, port := session.Endpoint()

	clientConn, err := tunnelUpgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Logger.Warnf("tunnel %s: upgrade failed: %v", publicID, err)
		return
	}
	defer clientConn.Close()

	dialer := net.Dialer{Timeout: 5 * time.Second}
	raw, err := dialer.DialContext(r.Context(), "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		d.Logger.Warnf("tunnel %s: dial child failed: %v", publicID, err)
		_ = clientConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return
	}
	defer raw.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- relayToTCP(clientConn, raw) }()
	go func() { errCh <- relayToWebSocket(raw, clientConn) }()

	<-errCh
}

// relayToTCP copies binary WebSocket frames from ws onto raw until
// either side closes.
func relayToTCP(ws *websocket.Conn, raw net.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if _, err := raw.Write(data); err != nil {
			return err
		}
	}
}

// relayToWebSocket copies raw TCP reads onto ws as binary frames until
// either side closes.
func relayToWebSocket(raw net.Conn, ws *websocket.Conn) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := raw.Read(buf)
		if n > 0 {
			if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}
