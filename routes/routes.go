package routes

import (
	"outreach/config"
	controller "outreach/controllers"
	"outreach/middleware"
	"outreach/services"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const logFormat = "[${time}] ${status} - ${latency} ${method} ${path}\n"

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	DB          *gorm.DB
	Engine      *services.Engine
	Hub         *controller.EngineHub
	Redis       *redis.Client // optional; rate limits are per process without it
	Config      config.Config
	Permissions middleware.PermissionChecker
}

// SetupTrackingRoutes mounts the public endpoints hit by recipients' mail
// clients and by inbound mail providers.
func SetupTrackingRoutes(app *fiber.App, d Deps) {
	trackingController := controller.NewTrackingController(d.Engine.Tracker, d.Config.DefaultRedirectURL)
	webhookController := controller.NewWebhookController(d.Engine.Tracker, d.Engine.Verifier)
	cronController := controller.NewCronController(d.Engine)

	track := app.Group("/track", middleware.TrackingRateLimiter("track", d.Config.TrackingRateLimit, d.Redis))
	track.Get("/open/:trackingID", trackingController.HandleOpen)
	track.Get("/click/:trackingID", trackingController.HandleClick)
	track.Get("/unsubscribe/:trackingID", trackingController.HandleUnsubscribe)

	webhooks := app.Group("/webhooks", logger.New(logger.Config{Format: logFormat}))
	webhooks.Post("/inbound-email", webhookController.HandleInboundEmail)

	internal := app.Group("/internal", middleware.CronAuth(d.Config.CronSecret), logger.New(logger.Config{Format: logFormat}))
	internal.Post("/cron/tick", cronController.Tick)
}

// SetupAPIRoutes mounts the org-scoped admin API.
func SetupAPIRoutes(app *fiber.App, d Deps) {
	perms := d.Permissions
	if perms == nil {
		perms = middleware.DefaultRolePermissions()
	}
	read := middleware.Require(perms, middleware.ActionRead)
	manage := middleware.Require(perms, middleware.ActionManageCampaign)
	enroll := middleware.Require(perms, middleware.ActionEnroll)
	manageSender := middleware.Require(perms, middleware.ActionManageSender)

	campaignController := controller.NewCampaignController(d.DB, d.Engine.Sequence)
	senderController := controller.NewSenderController(d.DB, d.Engine.Dial)
	leadController := controller.NewLeadController(d.DB)
	dashboardController := controller.NewDashboardController(d.DB)
	inboxController := controller.NewInboxController(d.DB, d.Engine.InboxSync)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{Format: logFormat}))

	// Dashboard routes
	dashboard := api.Group("/dashboard")
	dashboard.Get("/stats", read, dashboardController.GetDashboardStats)
	dashboard.Get("/health", read, dashboardController.GetEngineHealth)

	// Sender routes
	sender := api.Group("/senders")
	sender.Post("/", manageSender, senderController.CreateSender)
	sender.Get("/", read, senderController.GetSenders)
	sender.Get("/:id", read, senderController.GetSender)
	sender.Put("/:id", manageSender, senderController.UpdateSender)
	sender.Delete("/:id", manageSender, senderController.DeleteSender)
	sender.Post("/:id/verify", manageSender, senderController.VerifySender)
	sender.Post("/:id/sync", manageSender, inboxController.SyncSender)

	// Campaign routes
	campaign := api.Group("/campaigns")
	campaign.Post("/", manage, campaignController.CreateCampaign)
	campaign.Get("/", read, campaignController.GetCampaigns)
	campaign.Get("/:id", read, campaignController.GetCampaign)
	campaign.Delete("/:id", manage, campaignController.DeleteCampaign)
	campaign.Post("/:id/start", manage, campaignController.StartCampaign)
	campaign.Post("/:id/pause", manage, campaignController.PauseCampaign)
	campaign.Post("/:id/resume", manage, campaignController.ResumeCampaign)
	campaign.Get("/:id/stats", read, campaignController.GetCampaignStats)
	campaign.Post("/:id/steps", manage, campaignController.AddStep)
	campaign.Delete("/:id/steps/:step", manage, campaignController.DeleteStep)

	// Enrollment routes
	campaign.Post("/:id/recipients", enroll, campaignController.EnrollLeads)
	campaign.Get("/:id/recipients", read, campaignController.GetRecipients)
	campaign.Post("/:id/recipients/:recipientID/pause", enroll, campaignController.PauseRecipient)
	campaign.Post("/:id/recipients/:recipientID/resume", enroll, campaignController.ResumeRecipient)

	// Lead routes
	lead := api.Group("/leads")
	lead.Post("/", enroll, leadController.CreateLead)
	lead.Get("/", read, leadController.GetLeads)
	lead.Get("/:id", read, leadController.GetLead)
	lead.Post("/import", enroll, leadController.ImportLeads)

	// Inbound log
	inbox := api.Group("/inbox")
	inbox.Get("/emails", read, inboxController.GetInboundEmails)
	inbox.Get("/emails/:id", read, inboxController.GetInboundEmail)
}

func SetupRoutes(app *fiber.App, d Deps) {
	app.Get("/health", controller.Health(d.DB))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	SetupTrackingRoutes(app, d)
	SetupAPIRoutes(app, d)

	// WebSocket route for engine progress
	if d.Hub != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get("/ws/engine", middleware.Protected(), websocket.New(d.Hub.HandleEngineWS))
	}

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})

	logrus.Info("Routes initialized successfully")
}
