package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/swapslab/tradeloop/publicapi"
	"github.com/swapslab/tradeloop/service/logger"
	"github.com/swapslab/tradeloop/service/persist"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth happens via the bearer token middleware, not the origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// streamEvents upgrades the connection and relays the tenant's loop
// notifications until the client disconnects.
func streamEvents(c *gin.Context) {
	api := publicapi.For(c)
	runtime, err := api.Runtime(c.Request.Context(), persist.TenantID(c.Param("tenantID")))
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.For(c.Request.Context()).Errorf("websocket upgrade failed: %s", err)
		return
	}
	defer conn.Close()

	subID, events := runtime.Stream().Subscribe()
	defer runtime.Stream().Unsubscribe(subID)

	// Reader only consumes control frames; any error means the peer went
	// away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"), time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
