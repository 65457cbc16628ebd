package http

import (
	"net/http"

	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/connectivity"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type RoomsResponse struct {
	Rooms []app.RoomInfo `json:"rooms"`
}

type RoomResponse struct {
	ID      domain.RoomID    `json:"id"`
	Members []core.MemberDTO `json:"members"`
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type roomsHandler struct {
	coord *app.Coordinator
}

func (h *roomsHandler) list(c *gin.Context) {
	c.JSON(http.StatusOK, RoomsResponse{Rooms: h.coord.Rooms()})
}

func (h *roomsHandler) get(c *gin.Context) {
	rid, err := domain.ParseRoomID(c.Param("id"), "")
	if err != nil || rid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	members, ok := h.coord.Members(rid)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, RoomResponse{ID: rid, Members: members})
}

// iceHandler serves the relay-only configuration built from the TURN
// settings, for clients that fetch it before opening relayed links.
type iceHandler struct {
	cfg *config.Config
}

func (h *iceHandler) get(c *gin.Context) {
	if len(h.cfg.TURNURLs) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no relay configured"})
		return
	}
	servers, err := connectivity.ServersFromURLs(h.cfg.STUNURLs, h.cfg.TURNURLs, h.cfg.TURNUsername, h.cfg.TURNCredential)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ice config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid relay configuration"})
		return
	}
	c.JSON(http.StatusOK, connectivity.NewRelayDocument(servers))
}
