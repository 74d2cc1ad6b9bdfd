package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"codeCollab/backend/internal/httpapi/handlers"
	"codeCollab/backend/internal/ws"
)

// NewRouter relay 的全部路由，挂在 /collab 下
func NewRouter(manager *ws.Manager, rooms *handlers.Rooms, allowOrigins []string) *gin.Engine {
	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowOrigins) == 0 {
		corsCfg.AllowOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	} else {
		corsCfg.AllowOrigins = allowOrigins
	}
	r.Use(cors.New(corsCfg))

	collab := r.Group("/collab")
	collab.GET("/ws/:roomId", manager.WebSocketConnect)
	collab.GET("/healthz", rooms.Health)
	collab.GET("/rooms", rooms.List)
	collab.GET("/rooms/:roomId/members", rooms.Members)
	collab.GET("/rooms/:roomId/document", rooms.Document)
	return r
}
