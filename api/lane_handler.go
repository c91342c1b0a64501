package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

func (a *API) listLanes(c *gin.Context) {
	c.JSON(http.StatusOK, a.eng.Lanes())
}

func (a *API) pauseLane(c *gin.Context) {
	if err := a.eng.PauseLane(c.Param("lane")); err != nil {
		abort(c, err)
		return
	}
	a.laneStatus(c)
}

func (a *API) resumeLane(c *gin.Context) {
	if err := a.eng.ResumeLane(c.Param("lane")); err != nil {
		abort(c, err)
		return
	}
	a.laneStatus(c)
}

func (a *API) drainLane(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), a.drainTimeout)
	defer cancel()
	if err := a.eng.DrainLane(ctx, c.Param("lane")); err != nil {
		if ctx.Err() != nil {
			c.AbortWithStatusJSON(http.StatusAccepted, ErrorResponse{Error: "drain still in progress"})
			return
		}
		abort(c, err)
		return
	}
	a.laneStatus(c)
}

// laneStatus writes the status of the lane named in the path.
func (a *API) laneStatus(c *gin.Context) {
	name := c.Param("lane")
	for _, st := range a.eng.Lanes() {
		if st.Name == name {
			c.JSON(http.StatusOK, st)
			return
		}
	}
	c.Status(http.StatusNoContent)
}
