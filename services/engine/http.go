package engine

import (
	"net/http"
	"time"

	"questplane/pkg/db/pagination"
	"questplane/pkg/errutil"
	"questplane/services/progression"

	"github.com/gin-gonic/gin"
)

type handler struct {
	svc *Service
}

func registerRoutes(engine *gin.Engine, svc *Service) {
	h := &handler{svc: svc}

	engine.POST("/quests/:id/check", h.check)
	engine.GET("/quests/:id/progress", h.progress)
	engine.GET("/quests/:id/participants", h.participants)

	engine.POST("/admin/quests/:id/reconcile", h.reconcile)
}

// The caller's address arrives on a header set by the auth layer in front
// of this service, same as the issuer header on the admin routes.
func (h *handler) check(c *gin.Context) {
	address := c.GetHeader("X-User-Address")
	if address == "" {
		c.Error(errutil.BadRequest("missing X-User-Address header", nil))
		return
	}

	snap, err := h.svc.CheckProgress(c.Request.Context(), c.Param("id"), address)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (h *handler) progress(c *gin.Context) {
	snap, err := h.svc.GetProgress(c.Request.Context(), c.Param("id"), c.Query("address"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

type finisher struct {
	UserAddress string `json:"user_address"`
	CompletedAt string `json:"completed_at,omitempty"`
}

func toFinishers(recs []*progression.Record) []finisher {
	out := make([]finisher, 0, len(recs))
	for _, rec := range recs {
		f := finisher{UserAddress: rec.UserAddress}
		if rec.CompletedAt != nil {
			f.CompletedAt = rec.CompletedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, f)
	}
	return out
}

func (h *handler) participants(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.Error(errutil.BadRequest("invalid pagination params", err, errutil.WithErr(err)))
		return
	}

	count, firsts, err := h.svc.Participants(c.Request.Context(), c.Param("id"), 3)
	if err != nil {
		c.Error(err)
		return
	}

	finishers, info, err := h.svc.Finishers(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":           count,
		"first_finishers": toFinishers(firsts),
		"finishers":       toFinishers(finishers),
		"page_info":       info,
	})
}

func (h *handler) reconcile(c *gin.Context) {
	issued, err := h.svc.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"issued": issued})
}
