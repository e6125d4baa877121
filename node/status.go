package node

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/andydunstall/rumour/node/status"
)

// NodeStatus is the status of the local node.
type NodeStatus struct {
	ID          string `json:"id"`
	Initialized bool   `json:"initialized"`
	// Values is the number of recorded broadcast values.
	Values    int    `json:"values"`
	Nodes     int    `json:"nodes"`
	AdminAddr string `json:"admin_addr,omitempty"`
}

type Status struct {
	node *Node
}

func NewStatus(node *Node) *Status {
	return &Status{
		node: node,
	}
}

func (s *Status) Register(group *gin.RouterGroup) {
	group.GET("", s.nodeRoute)
}

func (s *Status) nodeRoute(c *gin.Context) {
	st := NodeStatus{
		ID:        s.node.state.LocalID(),
		Nodes:     len(s.node.state.Neighbors().NodeIDs()),
		AdminAddr: s.node.conf.Admin.AdvertiseAddr,
	}

	if store, err := s.node.state.Store(); err == nil {
		n, err := store.Len(c.Request.Context())
		if err != nil {
			s.node.logger.Warn("failed to count values", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage"})
			return
		}
		st.Initialized = true
		st.Values = n
	}

	c.JSON(http.StatusOK, st)
}

var _ status.Handler = &Status{}
