package server

import (
	"context"
	"net/http"

	"github.com/assetvault/go-assetvault/env"
	"github.com/assetvault/go-assetvault/service/logger"
	sentryutil "github.com/assetvault/go-assetvault/service/sentry"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Init builds the full server and mounts it on the default mux.
func Init() {
	env.SetDefaults()
	env.ValidateEnv()

	ctx := context.Background()
	clients := NewClients(ctx)
	router := CoreInit(ctx, clients)

	logger.For(nil).Info("starting asset registry server...")
	http.Handle("/", router)
}

// CoreInit configures logging and error reporting and returns the router with
// every handler registered. Split from Init so tests can build a router over
// fake clients.
func CoreInit(ctx context.Context, clients *Clients) *gin.Engine {
	if err := sentryutil.Init(env.GetString("SENTRY_DSN"), env.GetString("ENV")); err != nil {
		logger.For(ctx).Errorf("sentry init failed: %s", err)
	}

	if env.GetString("ENV") != "production" {
		gin.SetMode(gin.DebugMode)
		logger.SetLevel(logrus.DebugLevel)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	router.Use(sentryMiddleware())

	logger.For(ctx).Info("registering handlers...")
	return HandlersInit(router, clients)
}

// sentryMiddleware gives each request its own hub so scope mutations don't
// leak across requests.
func sentryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := sentryutil.NewSentryHubContext(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
