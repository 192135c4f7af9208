package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/domain"
)

func (a *API) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, a.orch.Rooms.List())
}

func (a *API) roomMembers(c *gin.Context) {
	room, ok := a.orch.Rooms.Get(domain.RoomName(c.Param("name")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": room.MembersSnapshot(), "waiting": room.Waiting()})
}

// roomSession resolves the session behind :name and requires its owner.
func (a *API) roomSession(c *gin.Context) (domain.Session, bool) {
	s, err := a.store.SessionByRoom(c.Request.Context(), domain.RoomName(c.Param("name")))
	if err != nil {
		respondErr(c, err)
		return s, false
	}
	if !isOwner(c, s) {
		forbidden(c)
		return s, false
	}
	return s, true
}

func (a *API) patchRoom(c *gin.Context) {
	s, ok := a.roomSession(c)
	if !ok {
		return
	}
	var patch domain.RoomPropertiesPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if patch.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no properties to update"})
		return
	}
	if patch.MaxParticipants != nil && *patch.MaxParticipants < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_participants must not be negative"})
		return
	}
	props := a.orch.UpdateRoomProperties(s.Room, s.ID, patch)
	c.JSON(http.StatusOK, props)
}

func (a *API) evictRoom(c *gin.Context) {
	s, ok := a.roomSession(c)
	if !ok {
		return
	}
	a.orch.EvictRoom(s.Room)
	log.Info().Str("module", "adapters.http").Str("room", string(s.Room)).Msg("room evicted")
	c.Status(http.StatusNoContent)
}
