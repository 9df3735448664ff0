package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/i474232898/metar-aggregation/internal/metar"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Resolver is the part of metar.Service the handlers depend on.
type Resolver interface {
	Resolve(ctx context.Context, codes []metar.AirportCode) map[metar.AirportCode]string
	Stats() metar.CacheStats
	ClearCaches()
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, service Resolver) {
	app.Get("/", func(c *fiber.Ctx) error {
		c.Type("html", "utf-8")
		return c.SendString(indexPage)
	})

	app.Get("/favicon.ico", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		stats := service.Stats()
		feed := "none"
		if stats.FeedPresent {
			feed = "available"
		}
		return c.JSON(fiber.Map{
			"status":     "healthy",
			"timestamp":  unixSeconds(time.Now()),
			"cache_size": stats.Entries,
			"feed_cache": feed,
			"version":    Version,
		})
	})

	app.Get("/cache/clear", func(c *fiber.Ctx) error {
		service.ClearCaches()
		return c.JSON(fiber.Map{
			"status":    "success",
			"message":   "All caches cleared",
			"timestamp": unixSeconds(time.Now()),
		})
	})

	app.Get("/:airports", func(c *fiber.Ctx) error {
		codes, err := parseAirportCodes(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		start := time.Now()
		results := service.Resolve(c.UserContext(), codes)
		elapsed := time.Since(start)

		if len(codes) == 1 {
			c.Type("txt", "utf-8")
			return c.SendString(results[codes[0]])
		}

		return c.JSON(multiResponse{
			Success:      true,
			Timestamp:    unixSeconds(time.Now()),
			ResponseTime: fmt.Sprintf("%.2fs", elapsed.Seconds()),
			Data:         results,
		})
	})
}

// multiResponse is the JSON body returned for multi-airport requests.
type multiResponse struct {
	Success      bool                         `json:"success"`
	Timestamp    float64                      `json:"timestamp"`
	ResponseTime string                       `json:"response_time"`
	Data         map[metar.AirportCode]string `json:"data"`
}

// parseAirportCodes normalizes the path parameter into unique upper-case codes.
func parseAirportCodes(c *fiber.Ctx) ([]metar.AirportCode, error) {
	// Params aliases the request buffer; codes outlive the request in the cache.
	raw := utils.CopyString(c.Params("airports"))
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	return metar.NormalizeCodes(raw)
}

// ErrorHandler renders every error as {"error": "..."}. Anything that is not a *fiber.Error
// is an internal fault and gets a generic message.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": message,
	})
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

const indexPage = `<html>
<head><title>METAR service</title><meta charset="utf-8"></head>
<body>
<h1>METAR service</h1>
<p>Airport codes are case-insensitive and converted to upper case.</p>
<ul>
<li><code>GET /ZSSS</code> returns the raw METAR as plain text</li>
<li><code>GET /ZSSS,ZBAA,RJTT</code> returns JSON with one entry per airport</li>
<li><a href="/health">/health</a> reports cache status</li>
<li><a href="/cache/clear">/cache/clear</a> empties all caches</li>
</ul>
<p>Source order: cache (5 minutes), VATSIM feed (cached 60 seconds), aviationweather.gov, apocfly.com.</p>
</body>
</html>
`
