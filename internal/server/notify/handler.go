package notify

import (
	"net/http"
	"strings"

	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/rpc"
	"github.com/dmitrijs2005/apptsync/internal/server/auth"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type Handler struct {
	hub       *Hub
	jwtSecret []byte
	upgrader  websocket.Upgrader
}

func NewHandler(hub *Hub, jwtSecret []byte) *Handler {
	return &Handler{
		hub:       hub,
		jwtSecret: jwtSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// ServeChanges authenticates the device session and upgrades the connection.
func (h *Handler) ServeChanges(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing session token", http.StatusUnauthorized)
		return
	}
	deviceID, err := auth.GetDeviceIDFromToken(token, h.jwtSecret)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if claimed := r.Header.Get(common.DeviceIDHeaderName); claimed != "" && claimed != deviceID {
		http.Error(w, "device does not match session", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Warn(r.Context(), "websocket upgrade failed", "device", deviceID, "error", err)
		return
	}

	c := &client{hub: h.hub, deviceID: deviceID, conn: conn, send: make(chan []byte, max(h.hub.opts.SendBufferSize, 1))}
	if !h.hub.register(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"))
		_ = conn.Close()
		return
	}
	h.hub.logger.Info(r.Context(), "device subscribed", "device", deviceID)

	go c.writePump()
	go c.readPump()
}

// NewRouter mounts the change feed and a health probe.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(rpc.ChangesPath, h.ServeChanges).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	return r
}
