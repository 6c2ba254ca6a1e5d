package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/ziyixi/chatrelay/utils"
)

// HandleChat relays the already validated and admitted message to the
// completion API and answers with the reply text verbatim.
func HandleChat(c *gin.Context) {
	srv := c.MustGet(utils.KeyServer).(*Server)
	ip := c.GetString(utils.KeyClientIP)
	message := c.GetString(utils.KeyMessage)

	completion, err := srv.Relay(c.Request.Context(), ip, message)
	if err != nil {
		log.WithFields(logrus.Fields{"ip": ip}).Errorf("Upstream error: %v", err)
		recordOutcome(outcomeUpstreamError)
		c.String(http.StatusInternalServerError, utils.MessageUpstreamError)
		return
	}

	log.WithFields(logrus.Fields{
		"ip":     ip,
		"model":  completion.Model,
		"tokens": completion.TotalTokens,
	}).Info("Relayed chat message")
	recordOutcome(outcomeOK)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(completion.Reply))
}

// HandleClear discards the caller's conversation.
func HandleClear(c *gin.Context) {
	srv := c.MustGet(utils.KeyServer).(*Server)
	srv.Clear(c.GetString(utils.KeyClientIP))
	c.Status(http.StatusNoContent)
}
