package utils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type JSONResponse struct {
	Status  bool        `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// AppError is an error with the HTTP status it should be reported with.
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// GetAppError converts err to an AppError, treating anything else as an
// internal error.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return &AppError{Code: http.StatusInternalServerError, Message: err.Error(), Err: err}
}

func RespondJSON(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(code, JSONResponse{
		Status:  code >= 200 && code < 300,
		Message: message,
		Data:    data,
	})
}

func RespondError(c *gin.Context, code int, err error) {
	c.JSON(code, JSONResponse{
		Status:  false,
		Message: err.Error(),
		Data:    nil,
	})
}

// RespondAppError reports err with the status its AppError carries.
func RespondAppError(c *gin.Context, err error) {
	appErr := GetAppError(err)
	if appErr.Code >= http.StatusInternalServerError {
		var cause error = appErr
		if appErr.Err != nil {
			cause = appErr.Err
		}
		ErrorLogger.WithField("path", c.FullPath()).Error(cause)
	}
	var data interface{}
	if appErr.Kind != "" {
		data = gin.H{"kind": appErr.Kind}
	}
	c.JSON(appErr.Code, JSONResponse{
		Status:  false,
		Message: appErr.Message,
		Data:    data,
	})
}
