package response

import "github.com/gin-gonic/gin"

const (
	ErrUnauthorized = 10001
	ErrInvalidInput = 10002
)

const (
	ErrDeploymentNotFound = 20001
)

const (
	ErrLicenseNotFound = 30001
	ErrLicenseConflict = 30002
)

const (
	ErrUserNotFound = 40001
)

const (
	ErrLifecycleNotFound = 50001
)

const (
	ErrDatabaseUnavailable = 90001
	ErrInternal            = 99999
)

type ErrorBody struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

type MessageBody struct {
	Message string `json:"message"`
}

// Success writes the payload as the response body without an envelope.
func Success(c *gin.Context, data any) {
	c.JSON(200, data)
}

func Message(c *gin.Context, httpStatus int, message string) {
	c.JSON(httpStatus, MessageBody{Message: message})
}

func Fail(c *gin.Context, httpStatus, appCode int, message string) {
	c.JSON(httpStatus, ErrorBody{
		Code:  appCode,
		Error: message,
	})
}
