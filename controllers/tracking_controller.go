package controller

import (
	"fmt"
	"html"

	"outreach/services"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// TrackingController serves the public open, click and unsubscribe links.
// None of them ever reveals whether a tracking id exists.
type TrackingController struct {
	Tracker         *services.Tracker
	DefaultRedirect string
	Logger          *logrus.Entry
}

func NewTrackingController(tracker *services.Tracker, defaultRedirect string) *TrackingController {
	return &TrackingController{
		Tracker:         tracker,
		DefaultRedirect: defaultRedirect,
		Logger:          utils.Logger("tracking"),
	}
}

func visitor(c *fiber.Ctx) services.Visitor {
	return services.Visitor{IP: c.IP(), UserAgent: c.Get(fiber.HeaderUserAgent)}
}

// HandleOpen always answers with the pixel.
func (tc *TrackingController) HandleOpen(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")
	if err := tc.Tracker.RecordOpen(c.UserContext(), trackingID, visitor(c)); err != nil {
		tc.Logger.WithError(err).WithField("tracking_id", trackingID).Error("Failed to record open")
	}

	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate, max-age=0")
	c.Set(fiber.HeaderPragma, "no-cache")
	c.Set(fiber.HeaderContentType, "image/gif")
	return c.Status(fiber.StatusOK).Send(utils.TransparentPixel())
}

// HandleClick records the click and redirects to the original link. Unknown
// ids and bad targets go to the default redirect.
func (tc *TrackingController) HandleClick(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")

	target, ok := utils.ClickTarget(string(c.Request().URI().QueryString()))
	if !ok {
		return c.Redirect(tc.DefaultRedirect, fiber.StatusFound)
	}

	sent, err := tc.Tracker.RecordClick(c.UserContext(), trackingID, target, visitor(c))
	if err != nil {
		tc.Logger.WithError(err).WithField("tracking_id", trackingID).Error("Failed to record click")
		// the visitor still reaches the link
		return c.Redirect(target, fiber.StatusFound)
	}
	if sent == nil {
		return c.Redirect(tc.DefaultRedirect, fiber.StatusFound)
	}
	return c.Redirect(target, fiber.StatusFound)
}

const unsubscribePage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Unsubscribed</title></head>
<body style="font-family:sans-serif;text-align:center;padding-top:60px">
<h2>You have been unsubscribed</h2>
<p>%s</p>
</body></html>`

// HandleUnsubscribe stops all further mail to the contact.
func (tc *TrackingController) HandleUnsubscribe(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")
	message := "You will no longer receive these emails."

	if _, err := tc.Tracker.RecordUnsubscribe(c.UserContext(), trackingID, visitor(c)); err != nil {
		tc.Logger.WithError(err).WithField("tracking_id", trackingID).Error("Failed to record unsubscribe")
		message = "We could not process your request right now. Please try the link again later."
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Status(fiber.StatusOK).SendString(fmt.Sprintf(unsubscribePage, html.EscapeString(message)))
}
