package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/eventspay/payverif/app/controllers"
	"github.com/eventspay/payverif/internal/pkg/cache"
	"github.com/eventspay/payverif/internal/pkg/env"
	"github.com/eventspay/payverif/internal/pkg/gmailauth"
	"github.com/eventspay/payverif/internal/pkg/mailbox"
	"github.com/eventspay/payverif/internal/pkg/parser"
	"github.com/eventspay/payverif/internal/pkg/paystore"
	"github.com/eventspay/payverif/internal/pkg/router"
)

func main() {
	env.SetupEnvFile()
	cache.SetupCache()

	store := paystore.New(cache.GetClient())
	cfg := mailbox.ConfigFromEnv()

	var tokens mailbox.TokenSource
	if cfg.UseOAuth2 {
		tokens = gmailauth.NewFromEnv()
	}

	receiver := mailbox.NewService(cfg, store, parser.Parse, mailbox.NewIMAPConn(cfg, tokens))
	receiver.Start()

	controllers.Setup(store, receiver, receiver)
	app := NewApplication()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatalf("[Main] Server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("[Main] Shutting down...")
	receiver.Stop()
	if err := app.Shutdown(); err != nil {
		log.Errorf("[Main] Server shutdown: %v", err)
	}
	log.Info("[Main] Bye")
}

func NewApplication() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "payverif",
	})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())

	// ROUTER
	router.InstallRouter(app)

	return app
}
