package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/talkincode/wafleet/internal/fleet"
	"github.com/talkincode/wafleet/internal/registry"
	"github.com/talkincode/wafleet/internal/wastore"
)

var (
	coord        *fleet.Coordinator
	sessionStore *wastore.Store
	sessionRepo  registry.SessionRepository
)

// Register wires the handlers to their collaborators and registers every
// route on the webserver.
func Register(c *fleet.Coordinator, store *wastore.Store, sessions registry.SessionRepository) {
	coord = c
	sessionStore = store
	sessionRepo = sessions
	registerInstanceRoutes()
	registerSessionRoutes()
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, data)
}

func created(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusCreated, data)
}

func fail(c echo.Context, status int, code string, message string, detail interface{}) error {
	body := map[string]interface{}{
		"error":   code,
		"message": message,
	}
	if detail != nil {
		body["detail"] = detail
	}
	return c.JSON(status, body)
}
