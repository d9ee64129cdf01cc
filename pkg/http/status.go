package xhttp

import "github.com/valyala/fasthttp"

const (
	StatusNotFound            = fasthttp.StatusNotFound
	StatusRequestTimeout      = fasthttp.StatusRequestTimeout
	StatusInternalServerError = fasthttp.StatusInternalServerError
)

var StatusText = fasthttp.StatusMessage
