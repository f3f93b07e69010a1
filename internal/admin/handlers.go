package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"idemcore/internal/journal"
	"idemcore/internal/shared"
	"idemcore/pkg/fault"
)

type handlers struct {
	deps Deps
}

func (h *handlers) health(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{
		"status":            "ok",
		"records":           h.deps.Store.Len(),
		"records_in_flight": h.deps.Store.InFlight(),
	})
}

func (h *handlers) listRecords(c *gin.Context) {
	records := h.deps.Store.Snapshot()

	if want := c.Query("state"); want != "" {
		filtered := records[:0]
		for _, r := range records {
			if r.State.String() == want {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	respond(c, http.StatusOK, records)
}

func (h *handlers) getRecord(c *gin.Context) {
	key := c.Param("key")
	info, ok := h.deps.Store.Get(key)
	if !ok {
		respondError(c, shared.Wrapf(shared.ErrNotFound, "record %q", key))
		return
	}
	respond(c, http.StatusOK, info)
}

func (h *handlers) forgetRecord(c *gin.Context) {
	key := c.Param("key")
	info, ok := h.deps.Store.Get(key)
	if !ok {
		respondError(c, shared.Wrapf(shared.ErrNotFound, "record %q", key))
		return
	}
	if !h.deps.Store.Forget(key) {
		respondError(c, shared.Wrapf(shared.ErrConflict, "record %q is %s", key, info.State))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) capabilities(c *gin.Context) {
	respond(c, http.StatusOK, h.deps.Capabilities.Snapshot(c.Request.Context()))
}

func (h *handlers) outcomes(c *gin.Context) {
	f := journal.Filter{Key: c.Query("key"), State: c.Query("state")}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			respondError(c, shared.Validationf("limit must be between 1 and 1000, got %q", raw))
			return
		}
		f.Limit = n
	}

	entries, err := h.deps.Journal.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respond(c, http.StatusOK, entries)
}

// injectRequest is the body of POST /v1/faults.
type injectRequest struct {
	Type     string `json:"type" binding:"required"`
	Target   string `json:"target" binding:"required"`
	Duration string `json:"duration" binding:"required"`
}

func (h *handlers) injectFault(c *gin.Context) {
	var req injectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, shared.Validationf("invalid fault request: %v", err))
		return
	}

	typ, err := fault.ParseType(req.Type)
	if err != nil {
		respondError(c, err)
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil || d <= 0 {
		respondError(c, shared.Validationf("duration must be a positive Go duration, got %q", req.Duration))
		return
	}

	in := h.deps.Injector.Inject(typ, req.Target, d)
	respond(c, http.StatusCreated, in)
}

func (h *handlers) listFaults(c *gin.Context) {
	respond(c, http.StatusOK, h.deps.Injector.List())
}

func (h *handlers) getFault(c *gin.Context) {
	in, err := h.deps.Injector.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, in)
}

func (h *handlers) recoverFault(c *gin.Context) {
	in, err := h.deps.Injector.Recover(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, in)
}
