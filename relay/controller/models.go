package controller

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/gateway/model"
	relaymodel "github.com/relaymesh/gateway/relay/model"
)

type modelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ListModels serves GET /v1/models in OpenAI's listing shape, the one
// format every dialect's tooling already knows how to parse.
func ListModels(c *gin.Context) {
	names, err := model.ListEnabledModels()
	if err != nil {
		writeError(c, relaymodel.DialectOpenAI, relaymodel.ErrUpstream5xx, "failed to list models")
		return
	}

	cards := make([]modelCard, 0, len(names))
	now := time.Now().Unix()
	for _, name := range names {
		cards = append(cards, modelCard{ID: name, Object: "model", Created: now, OwnedBy: "relaymesh"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": cards})
}
