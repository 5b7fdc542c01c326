package main

import (
	"net/http"

	"github.com/assetvault/go-assetvault/env"
	"github.com/assetvault/go-assetvault/server"
	"github.com/assetvault/go-assetvault/service/logger"
	sentryutil "github.com/assetvault/go-assetvault/service/sentry"
)

func main() {
	defer sentryutil.RecoverAndRaise(nil)

	server.Init()
	port := env.GetString("PORT")
	logger.For(nil).Infof("listening on :%s", port)
	if err := http.ListenAndServe(":"+port, nil); err != nil {
		logger.For(nil).Fatalf("server stopped: %s", err)
	}
}
