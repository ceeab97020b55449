package handlers

import "github.com/gin-gonic/gin"

// RegisterRoomRoutes mounts the room endpoints on an authenticated group.
func RegisterRoomRoutes(group *gin.RouterGroup, h *RoomHandler) {
	room := group.Group("/rooms/:room")
	room.GET("/messages", h.GetMessages)
	room.GET("/messages/search", h.SearchMessages)
	room.PUT("/messages/readStatus", h.UpdateReadStatus)
	room.GET("/messages/count", h.GetReadCounts)
	room.GET("/members", h.GetMembers)
	room.PATCH("/members/login", h.MemberLogin)
	room.PATCH("/members/logout", h.MemberLogout)
	room.POST("/files/upload", h.UploadFile)
	room.DELETE("/files/delete", h.DeleteFile)
}
