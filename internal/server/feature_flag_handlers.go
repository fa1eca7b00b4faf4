package server

import "github.com/gofiber/fiber/v2"

// GetFeatureFlags returns the flags evaluated for the caller's tenant.
func (s *Server) GetFeatureFlags(c *fiber.Ctx) error {
	_, tenantID, err := identity(c)
	if err != nil {
		return nil
	}

	if s.featureFlags == nil {
		return c.JSON(fiber.Map{"evaluated": map[string]bool{}})
	}
	return c.JSON(fiber.Map{"evaluated": s.featureFlags.Snapshot(tenantID)})
}
