package server

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"unicode"

	"marketplace/internal/middleware"
	"marketplace/internal/models"

	"github.com/gofiber/fiber/v2"
)

// errResponseWritten is a sentinel indicating the HTTP response was already
// committed by a helper. Handlers must return nil (not this error) to avoid
// Fiber's ErrorHandler overwriting the response.
var errResponseWritten = errors.New("response already written")

// identity returns the authenticated user and tenant. AuthRequired guarantees both
// are set on protected routes; a missing value is answered with 401.
func identity(c *fiber.Ctx) (userID, tenantID uint, err error) {
	userID, okUser := middleware.UserID(c)
	tenantID, okTenant := middleware.TenantID(c)
	if !okUser || !okTenant {
		_ = models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Authentication required"))
		return 0, 0, errResponseWritten
	}
	return userID, tenantID, nil
}

// respondError renders a service error with the status its code maps to.
// Internal causes are logged here and never reach the client.
func respondError(c *fiber.Ctx, err error) error {
	status := models.StatusForError(err)
	if status >= fiber.StatusInternalServerError {
		middleware.Logger.ErrorContext(c.UserContext(), "request failed",
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("error", err.Error()),
		)
	}
	return models.RespondWithError(c, status, err)
}

// parseID extracts a route parameter by name as a positive uint.
// On failure it writes a 400 JSON response and returns errResponseWritten.
// The error message is derived from the parameter name (e.g. "id" -> "Invalid ID",
// "userId" -> "Invalid user ID").
func parseID(c *fiber.Ctx, param string) (uint, error) {
	id, err := c.ParamsInt(param)
	if err != nil || id <= 0 {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid "+humanizeParam(param)))
		return 0, errResponseWritten
	}
	return uint(id), nil
}

// humanizeParam converts a route or query param name into a human-readable label.
// Examples: "id" -> "ID", "userId" -> "user ID", "sender_id" -> "sender ID".
func humanizeParam(param string) string {
	if param == "id" {
		return "ID"
	}
	if strings.HasSuffix(param, "_id") {
		return strings.ReplaceAll(strings.TrimSuffix(param, "_id"), "_", " ") + " ID"
	}
	// Split on camelCase boundary before the trailing "Id" suffix.
	if strings.HasSuffix(param, "Id") {
		words := splitCamel(param[:len(param)-2])
		return strings.ToLower(strings.Join(words, " ")) + " ID"
	}
	return param
}

// splitCamel splits a camelCase string into words.
func splitCamel(s string) []string {
	var words []string
	start := 0
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			words = append(words, s[start:i])
			start = i
		}
	}
	words = append(words, s[start:])
	return words
}

// queryParams collects integer query parameters, remembering the first malformed one.
type queryParams struct {
	c   *fiber.Ctx
	bad string
}

func newQueryParams(c *fiber.Ctx) *queryParams {
	return &queryParams{c: c}
}

// Int returns the named parameter, or 0 when absent. Range checks belong to the service.
func (q *queryParams) Int(name string) int {
	raw := strings.TrimSpace(q.c.Query(name))
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		q.fail(name)
		return 0
	}
	return v
}

// ID returns the named parameter as a positive id, or 0 when absent.
func (q *queryParams) ID(name string) uint {
	raw := strings.TrimSpace(q.c.Query(name))
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || v == 0 {
		q.fail(name)
		return 0
	}
	return uint(v)
}

func (q *queryParams) fail(name string) {
	if q.bad == "" {
		q.bad = name
	}
}

// Err writes a 400 for the first malformed parameter and returns errResponseWritten.
func (q *queryParams) Err() error {
	if q.bad == "" {
		return nil
	}
	_ = models.RespondWithError(q.c, fiber.StatusBadRequest,
		models.NewValidationError("Invalid "+humanizeParam(q.bad)))
	return errResponseWritten
}

// parseBody decodes the JSON request body or writes a 400.
func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
		return errResponseWritten
	}
	return nil
}
