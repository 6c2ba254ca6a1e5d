package main

import (
	"html/template"
	"net/http"

	_ "embed"

	"github.com/gin-gonic/gin"
	"github.com/ziyixi/chatrelay/utils"
)

//go:embed templates/index.html
var indexHTML string

var indexTemplate = template.Must(template.New("index.html").Parse(indexHTML))

// HandleIndex renders the chat page.
func HandleIndex(c *gin.Context) {
	srv := c.MustGet(utils.KeyServer).(*Server)
	c.HTML(http.StatusOK, "index.html", gin.H{
		"Model":      srv.model,
		"MaxHistory": srv.store.MaxHistory(),
	})
}

// HandleHealthz reports liveness of the HTTP front.
func HandleHealthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
