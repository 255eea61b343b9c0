package approuters

import (
	"Voxlink/internal/configuration"

	"github.com/gin-gonic/gin"
)

// MessageRouters sets up conversation history API routes
func MessageRouters(router *gin.Engine, container *configuration.Container) {
	group := router.Group("/vx/api/conversations")
	{
		// GET /vx/api/conversations - list active conversations
		group.GET("", container.MessageHandler.GetConversations)

		// GET /vx/api/conversations/:conversationId/messages - paginated history
		group.GET("/:conversationId/messages", container.MessageHandler.GetConversationMessages)
	}
}
