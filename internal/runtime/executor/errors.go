package executor

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// statusErr carries an upstream failure with its original status and body.
type statusErr struct {
	code int
	msg  string
}

func (e statusErr) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("status %d", e.code)
}

func (e statusErr) StatusCode() int { return e.code }

// StatusError is implemented by errors that map to an HTTP status.
type StatusError interface {
	error
	StatusCode() int
}

// AsStatusError reports whether err carries an upstream status.
func AsStatusError(err error) (StatusError, bool) {
	var se StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

var (
	errFirstByteTimeout = errors.New("qwen upstream did not respond before the first-byte timeout")
	errRequestTimeout   = errors.New("qwen upstream request exceeded the overall timeout")
)

// statusForCode maps the code of a {"success":false,"data":{"code":...}} reply.
func statusForCode(code string) int {
	c := strings.ToLower(code)
	switch {
	case strings.Contains(c, "unauthorized"), strings.Contains(c, "login"), strings.Contains(c, "token"):
		return http.StatusUnauthorized
	case strings.Contains(c, "forbidden"):
		return http.StatusForbidden
	case strings.Contains(c, "not_found"), strings.Contains(c, "notfound"):
		return http.StatusNotFound
	case strings.Contains(c, "ratelimit"), strings.Contains(c, "rate_limit"), strings.Contains(c, "too_many"):
		return http.StatusTooManyRequests
	case strings.Contains(c, "internal"):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

// envelopeFailure inspects a JSON reply that arrived with a 2xx status.
func envelopeFailure(body []byte) (statusErr, bool) {
	root := gjson.ParseBytes(body)
	if root.Get("error").Exists() {
		return statusErr{code: http.StatusBadGateway, msg: string(body)}, true
	}
	if success := root.Get("success"); success.Exists() && !success.Bool() {
		return statusErr{code: statusForCode(root.Get("data.code").String()), msg: string(body)}, true
	}
	return statusErr{}, false
}
