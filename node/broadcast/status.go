package broadcast

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/andydunstall/rumour/node/state"
	"github.com/andydunstall/rumour/node/status"
	"github.com/andydunstall/rumour/pkg/log"
)

type Status struct {
	state *state.State

	logger log.Logger
}

func NewStatus(state *state.State, logger log.Logger) *Status {
	return &Status{
		state:  state,
		logger: logger.WithSubsystem("broadcast.status"),
	}
}

func (s *Status) Register(group *gin.RouterGroup) {
	group.GET("/values", s.valuesRoute)
}

func (s *Status) valuesRoute(c *gin.Context) {
	st, err := s.state.Store()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	entries, err := st.Entries(c.Request.Context())
	if err != nil {
		s.logger.Warn("failed to list entries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage"})
		return
	}
	c.JSON(http.StatusOK, entries)
}

var _ status.Handler = &Status{}
