package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/talkincode/wafleet/internal/webserver"
)

// registerSessionRoutes registers the raw auth-state admin routes
func registerSessionRoutes() {
	webserver.ApiGET("/auth/sessions", listSessions)
	webserver.ApiGET("/auth/sessions/:name", sessionExists)
	webserver.ApiDELETE("/auth/sessions/:name", deleteSession)
}

func listSessions(c echo.Context) error {
	rows, err := sessionRepo.List(c.Request().Context())
	if err != nil {
		zap.L().Error("adminapi: list sessions failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to list sessions", err.Error())
	}
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]interface{}{
			"id":         row.ID,
			"created_at": row.CreatedAt,
			"updated_at": row.UpdatedAt,
		})
	}
	return ok(c, out)
}

func sessionExists(c echo.Context) error {
	exists, err := sessionRepo.Exists(c.Request().Context(), c.Param("name"))
	if err != nil {
		zap.L().Error("adminapi: session lookup failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query session", err.Error())
	}
	return ok(c, map[string]interface{}{"exists": exists})
}

func deleteSession(c echo.Context) error {
	// Goes through the store so pending debounced writes are cancelled
	// before the row disappears.
	if err := sessionStore.Remove(c.Request().Context(), c.Param("name")); err != nil {
		zap.L().Error("adminapi: delete session failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete session", err.Error())
	}
	return ok(c, map[string]interface{}{"deleted": true})
}
