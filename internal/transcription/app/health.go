package app

import (
	"fmt"
	"strconv"

	"transcription_worker/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// StatsSource what the health server reports on
type StatsSource interface {
	Stats() Stats
	Connected() bool
}

// NewHealthServer 健康檢查與統計
//
//	GET  /healthz           200 while the broker connection is up, 503 otherwise
//	GET  /stats             disposition counters
//	POST /debug?status=bool toggle debug logging
func NewHealthServer(src StatsSource) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		if !src.Connected() {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "disconnected"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(src.Stats())
	})

	app.Post("/debug", debugLogFlag)
	return app
}

func debugLogFlag(c *fiber.Ctx) error {
	statusStr := c.Query("status")
	status, err := strconv.ParseBool(statusStr)
	if err != nil {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	logger.Log.Info("debug", zap.Bool("status", status))
	logger.Log.SetDebugMode(status)
	return c.SendString(fmt.Sprintf("debug mode is : %t", status))
}
