package quest

import (
	"net/http"

	"questplane/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type handler struct {
	svc *Service
}

func registerRoutes(engine *gin.Engine, svc *Service) {
	h := &handler{svc: svc}

	engine.GET("/quests", h.list)
	engine.GET("/quests/:id", h.get)

	admin := engine.Group("/admin")
	admin.POST("/quests", h.create)
	admin.POST("/quests/:id", h.update)
}

func (h *handler) list(c *gin.Context) {
	quests, err := h.svc.List(c.Request.Context(), ListQuery{
		Category:      c.Query("category"),
		IncludeHidden: c.Query("include_hidden") == "true",
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"quests": quests})
}

func (h *handler) get(c *gin.Context) {
	q, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, q)
}

func (h *handler) create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err, errutil.WithErr(err)))
		return
	}

	q, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, q)
}

func (h *handler) update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err, errutil.WithErr(err)))
		return
	}

	q, err := h.svc.Update(c.Request.Context(), c.GetHeader("X-Issuer"), c.Param("id"), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, q)
}
