package devserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"studyroom/internal/middleware"
	"studyroom/internal/protocol"
	"studyroom/internal/utils"
)

// Server is a development stand-in for the production backend: it implements
// the collaborator REST contracts and the websocket frame protocol against an
// in-memory store, so the client core can run and be integration-tested
// without real infrastructure.
type Server struct {
	Engine *gin.Engine
	store  *Store
	hub    *Hub
	bus    *utils.EventBus
	logger *zap.SugaredLogger
}

func NewServer(logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	store := NewStore()
	bus := utils.NewEventBus()
	hub := NewHub(store, bus, logger)
	go hub.Run()

	engine := gin.New()
	engine.Use(middleware.CORSMiddleware())
	engine.Use(middleware.LoggerMiddleware(logger))
	engine.Use(gin.Recovery())

	s := &Server{
		Engine: engine,
		store:  store,
		hub:    hub,
		bus:    bus,
		logger: logger.Sugar(),
	}
	s.registerRoutes()
	return s
}

// Store exposes the in-memory state for seeding in tests and the stub CLI.
func (s *Server) Store() *Store { return s.store }

func (s *Server) Run(addr string) error {
	return s.Engine.Run(addr)
}

func (s *Server) registerRoutes() {
	s.Engine.GET("/ws", s.hub.ServeWS)

	apiGroup := s.Engine.Group("/api")
	apiGroup.Use(middleware.AuthMiddleware())

	apiGroup.POST("/rooms", s.createRoom)
	apiGroup.GET("/rooms/:id", s.getRoom)
	apiGroup.POST("/rooms/:id/join", s.joinRoom)
	apiGroup.POST("/rooms/:id/leave", s.leaveRoom)
	apiGroup.GET("/rooms/:id/messages", s.getHistory)
	apiGroup.DELETE("/messages/:id", s.deleteMessage)
	apiGroup.PATCH("/questions/:id/solve", s.solveQuestion)
	apiGroup.POST("/sessions/start", s.startSession)
	apiGroup.POST("/sessions/:id/end", s.endSession)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (s *Server) createRoom(c *gin.Context) {
	var req struct {
		Title    string `json:"title" binding:"required"`
		Capacity int    `json:"capacity"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Capacity <= 0 {
		req.Capacity = 8
	}

	info := s.store.CreateRoom(req.Title, c.GetString("nickname"), req.Capacity)
	c.JSON(http.StatusCreated, info)
}

func (s *Server) getRoom(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	info, ok := s.store.Room(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) joinRoom(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	nickname := c.GetString("nickname")

	exists, added := s.store.AddMember(id, nickname)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if !added {
		c.JSON(http.StatusConflict, gin.H{"error": "already joined"})
		return
	}

	s.announce(c, id, fmt.Sprintf("%s joined the room", nickname))
	c.JSON(http.StatusOK, gin.H{"joined": true})
}

func (s *Server) leaveRoom(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	nickname := c.GetString("nickname")

	s.store.RemoveMember(id, nickname)
	s.announce(c, id, fmt.Sprintf("%s left the room", nickname))
	c.JSON(http.StatusOK, gin.H{"left": true})
}

// announce stores and broadcasts a SYSTEM notice for a room.
func (s *Server) announce(c *gin.Context, roomID int64, body string) {
	kind := protocol.RoomKind(c.DefaultQuery("roomType", string(protocol.RoomOpen)))
	ev := s.store.AppendMessage(protocol.RoomEvent{
		Kind:     protocol.KindSystem,
		RoomKind: kind,
		RoomID:   roomID,
		Body:     body,
	})
	s.bus.Publish("room_event", ev)
}

func (s *Server) getHistory(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	kind := protocol.RoomKind(c.DefaultQuery("roomType", string(protocol.RoomOpen)))
	page, err := strconv.Atoi(c.DefaultQuery("page", "0"))
	if err != nil || page < 0 {
		page = 0
	}

	events := s.store.Page(id, kind, page, 50)
	if events == nil {
		events = []protocol.RoomEvent{}
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) deleteMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if !s.store.DeleteMessage(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) solveQuestion(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req struct {
		AnswerID int64 `json:"answerId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	questionEv, ok := s.store.MarkSolved(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "question not found"})
		return
	}

	// Other participants learn about the resolution via a SOLVE broadcast.
	solved := true
	solveEv := s.store.AppendMessage(protocol.RoomEvent{
		Kind:     protocol.KindSolve,
		RoomKind: questionEv.RoomKind,
		RoomID:   questionEv.RoomID,
		Body:     fmt.Sprintf("%s accepted an answer", questionEv.Sender),
		RefID:    &questionEv.ID,
		IsSolved: &solved,
	})
	s.bus.Publish("room_event", solveEv)

	c.JSON(http.StatusOK, gin.H{"solved": true})
}

func (s *Server) startSession(c *gin.Context) {
	var req struct {
		Type   protocol.RoomKind `json:"type" binding:"required"`
		RoomID int64             `json:"roomId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sess := s.store.StartSession(c.GetString("nickname"), req.Type, req.RoomID)
	c.JSON(http.StatusCreated, gin.H{"sessionId": sess.ID})
}

func (s *Server) endSession(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	report, ok := s.store.EndSession(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, report)
}
