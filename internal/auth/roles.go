package auth

import (
	"github.com/gofiber/fiber/v2"

	apperrors "github.com/spec-kit/helpdesk/pkg/util/errorutil"
)

// RequireRole ensures the principal holds one of the allowed roles. With no
// roles given any authenticated caller passes.
func RequireRole(allowed ...int64) fiber.Handler {
	allowedSet := make(map[int64]struct{}, len(allowed))
	for _, role := range allowed {
		allowedSet[role] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			return apperrors.NewUnauthorized("authentication required")
		}
		if len(allowedSet) == 0 {
			return c.Next()
		}
		if _, exists := allowedSet[principal.RoleID]; !exists {
			return apperrors.NewForbidden("insufficient role")
		}
		return c.Next()
	}
}
