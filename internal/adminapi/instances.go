package adminapi

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/talkincode/wafleet/internal/fleet"
	"github.com/talkincode/wafleet/internal/registry"
	"github.com/talkincode/wafleet/internal/webserver"
)

type createInstancePayload struct {
	UserID       string `json:"user_id" validate:"required,uuid"`
	InstanceName string `json:"instance_name" validate:"required,min=1,max=100"`
	WebhookURL   string `json:"webhook_url" validate:"required,url"`
}

// registerInstanceRoutes registers the fleet management routes
func registerInstanceRoutes() {
	webserver.ApiPOST("/instances/create", createInstance)
	webserver.ApiGET("/instances", listInstances)
	webserver.ApiGET("/instances/:id", getInstance)
	webserver.ApiGET("/instances/:id/qr", getInstanceQR)
	webserver.ApiPOST("/instances/:id/restart", restartInstance)
	webserver.ApiDELETE("/instances/:id", deleteInstance)
}

func createInstance(c echo.Context) error {
	var payload createInstancePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Request validation failed", err.Error())
	}
	userID, err := uuid.Parse(payload.UserID)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "user_id must be a UUID", nil)
	}

	inst, err := coord.CreateInstance(c.Request().Context(), userID, payload.InstanceName, payload.WebhookURL)
	switch {
	case errors.Is(err, fleet.ErrNameTaken):
		return fail(c, http.StatusConflict, "NAME_TAKEN", "Instance name already exists", nil)
	case errors.Is(err, fleet.ErrUserHasInstance):
		return fail(c, http.StatusConflict, "USER_HAS_INSTANCE", "User already owns an instance", nil)
	case errors.Is(err, fleet.ErrCapacityExceeded):
		return fail(c, http.StatusConflict, "CAPACITY_EXCEEDED", "Instance capacity exceeded", nil)
	case err != nil:
		zap.L().Error("adminapi: create instance failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create instance", err.Error())
	}
	return created(c, inst)
}

func listInstances(c echo.Context) error {
	insts, err := coord.ListInstances(c.Request().Context())
	if err != nil {
		zap.L().Error("adminapi: list instances failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to list instances", err.Error())
	}
	return ok(c, insts)
}

func getInstance(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "id must be a UUID", nil)
	}
	inst, err := coord.GetInstance(c.Request().Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Instance not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}
	return ok(c, inst)
}

func getInstanceQR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "id must be a UUID", nil)
	}
	qr, status, err := coord.GetQR(c.Request().Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Instance not found", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}
	return ok(c, map[string]interface{}{
		"qr_code":           qr,
		"connection_status": status,
	})
}

func restartInstance(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "id must be a UUID", nil)
	}
	err = coord.RestartInstance(c.Request().Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Instance not found", nil)
	}
	if err != nil {
		zap.L().Error("adminapi: restart failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "RESTART_FAILED", "Failed to restart instance", err.Error())
	}
	return ok(c, map[string]interface{}{"restarted": true})
}

func deleteInstance(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "id must be a UUID", nil)
	}
	err = coord.DeleteInstance(c.Request().Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Instance not found", nil)
	}
	if err != nil {
		zap.L().Error("adminapi: delete failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "DELETE_FAILED", "Failed to delete instance", err.Error())
	}
	return ok(c, map[string]interface{}{"deleted": true})
}
