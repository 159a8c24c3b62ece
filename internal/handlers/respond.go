// Package handlers exposes the HTTP API.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/civicstack/fundtrace/internal/apperr"
)

// respondError maps a taxonomy error onto its HTTP status. Internal
// errors are logged and masked.
func respondError(c *gin.Context, log *logrus.Logger, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}
