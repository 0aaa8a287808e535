package transport

import (
	"log"
	"net/http"
	"os"

	"github.com/coder/websocket"
)

// Hub accepts the companion's websocket connection on the primary.
type Hub struct {
	transport      *Transport
	logger         *log.Logger
	originPatterns []string
}

func NewHub(transport *Transport, originPatterns []string, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &Hub{transport: transport, logger: logger, originPatterns: originPatterns}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Printf("companion accept failed remote=%s err=%v", r.RemoteAddr, err)
		return
	}

	h.logger.Printf("companion connected remote=%s", r.RemoteAddr)
	if err := h.transport.Serve(r.Context(), conn); err != nil {
		h.logger.Printf("companion disconnected remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	h.logger.Printf("companion disconnected remote=%s", r.RemoteAddr)
}
