package middleware

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSConfig controls which browser origins may drive the control API.
// An empty Origins list or a "*" entry allows every origin.
type CORSConfig struct {
	Origins     []string
	Credentials bool
	MaxAge      time.Duration
}

// DefaultCORSConfig allows every origin
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{MaxAge: 12 * time.Hour}
}

// AllowsAll reports whether any origin is accepted
func (c CORSConfig) AllowsAll() bool {
	return len(c.Origins) == 0 || slices.Contains(c.Origins, "*")
}

// CORS creates a CORS middleware for the control API. Methods and headers
// are fixed to what the API serves; X-Request-ID is readable by scripts.
func CORS(cfg CORSConfig) gin.HandlerFunc {
	c := cors.Config{
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", RequestIDHeader},
		ExposeHeaders:    []string{RequestIDHeader},
		AllowCredentials: cfg.Credentials,
		MaxAge:           cfg.MaxAge,
	}
	if cfg.AllowsAll() {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = cfg.Origins
	}
	return cors.New(c)
}
