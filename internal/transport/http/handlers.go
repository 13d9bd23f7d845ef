package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/wschat/internal/domain"
)

type RoomLister interface {
	List() []domain.RoomInfo
}

type HistoryLoader interface {
	LoadHistory(ctx context.Context, room domain.RoomName) ([]domain.Record, error)
}

type RoomsResponse struct {
	Rooms []domain.RoomInfo `json:"rooms"`
}

type HistoryResponse struct {
	Room     domain.RoomName `json:"room"`
	Messages []domain.Record `json:"messages"`
}

// Handlers serves the read-only JSON API.
type Handlers struct {
	Rooms   RoomLister
	History HistoryLoader
}

func (h *Handlers) Register(api *gin.RouterGroup) {
	api.GET("/health", h.health)
	api.GET("/rooms", h.listRooms)
	api.GET("/rooms/:name/history", h.history)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, RoomsResponse{Rooms: h.Rooms.List()})
}

func (h *Handlers) history(c *gin.Context) {
	name, err := domain.NewRoomName(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	records, err := h.History.LoadHistory(c.Request.Context(), name)
	if err != nil {
		log.Error().Err(err).Str("module", "transport.http").Str("room", string(name)).Msg("load history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	if records == nil {
		records = []domain.Record{}
	}
	c.JSON(http.StatusOK, HistoryResponse{Room: name, Messages: records})
}
