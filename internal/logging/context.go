package logging

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Keys set on the gin context by the request middleware.
const (
	RequestIDKey = "request_id"
	StartTimeKey = "start_time"
)

// pathFields are route parameters copied onto request log lines.
var pathFields = []string{"camera_id", "person_id"}

func withGinContext(c *gin.Context, e *zerolog.Event) *zerolog.Event {
	if c == nil {
		return e
	}
	if s := c.GetString(RequestIDKey); s != "" {
		e.Str("request_id", s)
	}
	for _, name := range pathFields {
		if v := c.Param(name); v != "" {
			e.Str(name, v)
		}
	}
	if v, ok := c.Get(StartTimeKey); ok {
		if t, ok2 := v.(time.Time); ok2 {
			e.Dur("duration", time.Since(t))
		}
	}
	return e
}

func Info(c *gin.Context) *zerolog.Event  { return withGinContext(c, log.Info()) }
func Debug(c *gin.Context) *zerolog.Event { return withGinContext(c, log.Debug()) }
func Warn(c *gin.Context) *zerolog.Event  { return withGinContext(c, log.Warn()) }
func Error(c *gin.Context) *zerolog.Event { return withGinContext(c, log.Error()) }
