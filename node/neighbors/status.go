package neighbors

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/andydunstall/rumour/node/status"
)

type Status struct {
	table *Table
}

func NewStatus(table *Table) *Status {
	return &Status{
		table: table,
	}
}

func (s *Status) Register(group *gin.RouterGroup) {
	group.GET("", s.listRoute)
	group.GET("/:id", s.getRoute)
}

func (s *Status) listRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.table.Snapshot())
}

func (s *Status) getRoute(c *gin.Context) {
	neighbours, ok := s.table.Neighbors(c.Param("id"))
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, neighbours)
}

var _ status.Handler = &Status{}
