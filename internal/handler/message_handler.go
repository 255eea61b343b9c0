package handler

import (
	"Voxlink/internal/model"
	"Voxlink/internal/repo"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type MessageHandler interface {
	GetConversations(c *gin.Context)
	GetConversationMessages(c *gin.Context)
}

type messageHandler struct {
	messages      repo.MessageRepository
	conversations repo.ConversationRepository
}

func NewMessageHandler(messages repo.MessageRepository, conversations repo.ConversationRepository) MessageHandler {
	return &messageHandler{
		messages:      messages,
		conversations: conversations,
	}
}

func (h *messageHandler) GetConversations(c *gin.Context) {
	cvs, err := h.conversations.ListActiveConversations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get conversations",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations": cvs,
	})
}

func (h *messageHandler) GetConversationMessages(c *gin.Context) {
	conversationId := c.Param("conversationId")
	userId := c.Query("userId")
	page := c.DefaultQuery("page", "1")
	pageNumber, err := strconv.ParseInt(page, 10, 64)
	if err != nil || pageNumber < 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid page number",
		})
		return
	}

	result, err := h.messages.ListConversationMessages(c.Request.Context(), conversationId, pageNumber)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get messages",
		})
		return
	}

	// Messages the requester deleted "for me" are filtered out of their view;
	// everyone else still sees them.
	msgs := make([]model.Message, 0, len(result.Data))
	for _, msg := range result.Data {
		if userId != "" && hiddenFor(&msg, userId) {
			continue
		}
		msgs = append(msgs, msg)
	}

	c.JSON(http.StatusOK, gin.H{
		"messages":   msgs,
		"page":       result.Page,
		"totalPages": result.TotalPages,
		"total":      result.Total,
	})
}

func hiddenFor(msg *model.Message, userID string) bool {
	for _, id := range msg.HiddenFor {
		if id == userID {
			return true
		}
	}
	return false
}
