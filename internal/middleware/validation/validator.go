package validation

import (
	"math"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var jobNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

type Config struct {
	// MaxLimit bounds the "limit" field of a run trigger; 0 means 100000.
	MaxLimit            int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware validates run trigger bodies before they reach the handler.
// An empty body is allowed and means defaults.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxLimit == 0 {
		cfg.MaxLimit = 100000
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost || len(c.Body()) == 0 {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		allowed := false
		for _, allowedType := range cfg.AllowedContentTypes {
			if strings.Contains(contentType, allowedType) {
				allowed = true
				break
			}
		}
		if !allowed {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		var req map[string]interface{}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		for key, value := range req {
			switch key {
			case "job":
				job, ok := value.(string)
				if !ok || !jobNamePattern.MatchString(job) {
					cfg.Logger.Warn("Rejected job name", zap.String("ip", c.IP()), zap.Any("job", value))
					return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
						"error": "job must be lowercase letters, digits, '.', '_' or '-'",
					})
				}
			case "limit":
				limit, ok := value.(float64)
				if !ok || limit < 0 || limit != math.Trunc(limit) || limit > float64(cfg.MaxLimit) {
					return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
						"error": "limit must be a whole number between 0 and the configured maximum",
					})
				}
			default:
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Unknown field: " + key,
				})
			}
		}

		return c.Next()
	}
}
