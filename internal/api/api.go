// Package api exposes the attendance book over HTTP with gin.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-ledger/internal/backup"
	"github.com/celerix-dev/celerix-ledger/internal/engine"
	"github.com/celerix-dev/celerix-ledger/internal/errs"
	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"go.uber.org/zap"
)

// Backups is the part of the backup queue the handlers use.
type Backups interface {
	Submit(path string) (backup.Task, error)
	Task(id string) (backup.Task, bool)
	Tasks() []backup.Task
}

type Handler struct {
	Book *engine.Book
	// Backups is nil when backups are disabled.
	Backups Backups
	Logger  *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// EventInput is an inbound sign-in or sign-out.
type EventInput struct {
	Name string `form:"name" json:"name" binding:"required,notblank"`
	Type string `form:"type" json:"type" binding:"required,notblank"`
}

// RecordView is a record with its timestamps rendered for display.
type RecordView struct {
	Name      string            `json:"name"`
	SignIn    string            `json:"signin,omitempty"`
	SignOut   string            `json:"signout,omitempty"`
	SignInAt  *int64            `json:"signin_at,omitempty"`
	SignOutAt *int64            `json:"signout_at,omitempty"`
	Fields    map[string]string `json:"fields"`
}

// DayView is one day's ledger.
type DayView struct {
	Day     string       `json:"day"`
	Date    string       `json:"date"`
	Records []RecordView `json:"records"`
}

// TaskView is a backup task with its submit time humanized.
type TaskView struct {
	backup.Task
	Submitted string `json:"submitted"`
}

var registerOnce sync.Once

// RegisterValidators adds the notblank tag to gin's validator. It panics if
// the tag cannot be registered, since every event binding depends on it.
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			panic("api: gin binding engine is not a *validator.Validate")
		}
		if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
			panic(fmt.Sprintf("api: register notblank: %v", err))
		}
	})
}

// RegisterRoutes mounts the ledger routes on r.
func RegisterRoutes(r gin.IRouter, h *Handler) {
	RegisterValidators()

	r.POST("/", h.SubmitForm)
	r.GET("/day/:year/:month/:day", h.GetDay)
	r.GET("/healthz", h.Healthz)

	api := r.Group("/api")
	api.POST("/events", h.PostEvent)
	api.GET("/today", h.Today)
	api.GET("/days/:year/:month/:day", h.GetDay)
	api.GET("/backups", h.ListBackups)
	api.GET("/backups/:id", h.GetBackup)
}

// SubmitForm handles the sign-in form. It always redirects home: a blank
// name changes nothing and a failed flush is only logged.
func (h *Handler) SubmitForm(c *gin.Context) {
	var in EventInput
	if err := c.ShouldBind(&in); err != nil {
		h.logger().Debug("form ignored", zap.Error(err))
		c.Redirect(http.StatusSeeOther, "/")
		return
	}

	applied, err := h.Book.Apply(in.Name, in.Type)
	if err != nil {
		h.logger().Error("failed to record event",
			zap.String("person", in.Name),
			zap.String("type", in.Type),
			zap.Error(err))
	}
	h.enqueue(applied.Path)
	c.Redirect(http.StatusSeeOther, "/")
}

// PostEvent is the JSON form of SubmitForm.
func (h *Handler) PostEvent(c *gin.Context) {
	var in EventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	applied, err := h.Book.Apply(in.Name, in.Type)
	if err != nil {
		if !errors.Is(err, errs.ErrValidation) {
			h.logger().Error("failed to record event", zap.String("person", in.Name), zap.Error(err))
		}
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "kind": errs.KindOf(err)})
		return
	}

	resp := gin.H{
		"day":     h.dayView(applied.Day, applied.Records),
		"changed": applied.Changed,
	}
	if task, ok := h.enqueue(applied.Path); ok {
		resp["backup"] = task
	}
	c.JSON(http.StatusOK, resp)
}

// GetDay returns the persisted ledger for a date.
func (h *Handler) GetDay(c *gin.Context) {
	year, err1 := strconv.Atoi(c.Param("year"))
	month, err2 := strconv.Atoi(c.Param("month"))
	day, err3 := strconv.Atoi(c.Param("day"))
	if err := errors.Join(err1, err2, err3); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date"})
		return
	}

	d, err := engine.NewDay(year, month, day)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	records, err := h.Book.Store().LoadDay(d)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "kind": errs.KindOf(err)})
		return
	}
	c.JSON(http.StatusOK, h.dayView(d, records))
}

// Today returns the in-memory ledger for the current day.
func (h *Handler) Today(c *gin.Context) {
	d, records := h.Book.Today()
	c.JSON(http.StatusOK, h.dayView(d, records))
}

func (h *Handler) ListBackups(c *gin.Context) {
	if h.Backups == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "tasks": []TaskView{}})
		return
	}
	tasks := h.Backups.Tasks()
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, h.taskView(t))
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "tasks": views})
}

func (h *Handler) GetBackup(c *gin.Context) {
	if h.Backups == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "backups are disabled"})
		return
	}
	t, ok := h.Backups.Task(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "backup not found"})
		return
	}
	c.JSON(http.StatusOK, h.taskView(t))
}

func (h *Handler) Healthz(c *gin.Context) {
	d, records := h.Book.Today()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"day":     d.Key(),
		"records": len(records),
		"backups": h.Backups != nil,
	})
}

// enqueue submits path for backup when backups are on and a file was written.
func (h *Handler) enqueue(path string) (backup.Task, bool) {
	if h.Backups == nil || path == "" {
		return backup.Task{}, false
	}
	task, err := h.Backups.Submit(path)
	if err != nil {
		h.logger().Warn("backup not queued", zap.String("file", path), zap.Error(err))
		return backup.Task{}, false
	}
	return task, true
}

func (h *Handler) dayView(d engine.Day, records []engine.Record) DayView {
	now := h.now().In(h.Book.Location())
	views := make([]RecordView, 0, len(records))
	for _, r := range records {
		v := RecordView{Name: r.Name, Fields: r.Fields}
		if t, ok := r.SignInAt(); ok {
			ms := t.UnixMilli()
			v.SignInAt = &ms
			v.SignIn = engine.Calendar(t, now)
		}
		if t, ok := r.SignOutAt(); ok {
			ms := t.UnixMilli()
			v.SignOutAt = &ms
			v.SignOut = engine.Calendar(t, now)
		}
		views = append(views, v)
	}
	return DayView{
		Day:     d.Key(),
		Date:    d.Start(h.Book.Location()).Format(time.DateOnly),
		Records: views,
	}
}

func (h *Handler) taskView(t backup.Task) TaskView {
	return TaskView{Task: t, Submitted: humanize.RelTime(t.SubmittedAt, h.now(), "ago", "from now")}
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindParse:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
