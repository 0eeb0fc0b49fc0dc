// Package httpapi serves the read-only status API.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"signupbot/internal/registry"
	"signupbot/internal/roster"
	rtsup "signupbot/internal/runtime/supervisor"
	"signupbot/internal/scheduler"
	"signupbot/internal/storage"
	logx "signupbot/pkg/logx"
)

// Definitions lists the configured polls.
type Definitions interface {
	All() []registry.Definition
}

// Scheduler is the read side of the scheduler service.
type Scheduler interface {
	Snapshot() []scheduler.LoopState
	Roster(ctx context.Context, name string) (*storage.Instance, roster.Split, error)
}

// Instances reads stored poll instances.
type Instances interface {
	Get(ctx context.Context, id string) (*storage.Instance, error)
}

type Deps struct {
	Definitions Definitions
	Scheduler   Scheduler
	Instances   Instances
	// Tasks reports supervised goroutines; optional.
	Tasks func() []rtsup.TaskStats
}

type pollView struct {
	Name        string    `json:"name"`
	Message     string    `json:"message"`
	Options     []string  `json:"options"`
	Affirmative int       `json:"affirmative"`
	Capacity    int       `json:"capacity"`
	Open        string    `json:"open"`
	Close       string    `json:"close"`
	Subscribers int       `json:"subscribers"`
	NextOpen    time.Time `json:"next_open,omitzero"`
	NextClose   time.Time `json:"next_close,omitzero"`
}

type rosterView struct {
	Instance *storage.Instance `json:"instance"`
	roster.Split
}

// NewRouter builds the API. A non-empty token protects everything under /api.
func NewRouter(d Deps, token string, log logx.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(log))

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	api := r.Group("/api", bearerAuth(token))
	api.GET("/polls", func(c *gin.Context) {
		next := map[string]scheduler.LoopState{}
		for _, ls := range d.Scheduler.Snapshot() {
			next[ls.Poll+"/"+string(ls.Kind)] = ls
		}
		defs := d.Definitions.All()
		out := make([]pollView, 0, len(defs))
		for _, def := range defs {
			out = append(out, pollView{
				Name:        def.Name,
				Message:     def.Message,
				Options:     def.Options,
				Affirmative: def.Affirmative,
				Capacity:    def.Capacity,
				Open:        def.Open.String(),
				Close:       def.Close.String(),
				Subscribers: len(def.Subscribers),
				NextOpen:    next[def.Name+"/"+string(scheduler.KindOpen)].Next,
				NextClose:   next[def.Name+"/"+string(scheduler.KindClose)].Next,
			})
		}
		c.JSON(http.StatusOK, gin.H{"polls": out})
	})
	api.GET("/polls/:name/roster", func(c *gin.Context) {
		inst, split, err := d.Scheduler.Roster(c.Request.Context(), c.Param("name"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rosterView{Instance: inst, Split: split})
	})
	api.GET("/instances/:id", func(c *gin.Context) {
		inst, err := d.Instances.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, inst)
	})
	api.GET("/scheduler", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"loops": d.Scheduler.Snapshot()})
	})
	if d.Tasks != nil {
		api.GET("/tasks", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"tasks": d.Tasks()})
		})
	}
	return r
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, registry.ErrNotFound) {
		status = http.StatusNotFound
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		}
		if got != tok {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}
