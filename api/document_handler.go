package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

func (a *API) getDocument(c *gin.Context) {
	rec, err := a.eng.Document(c.Request.Context(), c.Param("accessKey"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (a *API) stats(c *gin.Context) {
	st, err := a.eng.Stats(c.Request.Context())
	if err != nil {
		abort(c, fmt.Errorf("stats: %w", err))
		return
	}
	c.JSON(http.StatusOK, st)
}
