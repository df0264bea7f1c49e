package castprotocol

import (
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	pushHTTPClientTimeout         = 10 * time.Second
	pushHTTPDialTimeout           = 3 * time.Second
	pushHTTPKeepAlive             = 30 * time.Second
	pushHTTPResponseHeaderTimeout = 5 * time.Second
	pushHTTPIdleConnTimeout       = 30 * time.Second
)

// Receivers are plain HTTP on the LAN, so no proxy and no TLS tuning.
var pushHTTPTransport = &http.Transport{
	DialContext: (&net.Dialer{
		Timeout:   pushHTTPDialTimeout,
		KeepAlive: pushHTTPKeepAlive,
	}).DialContext,
	ResponseHeaderTimeout: pushHTTPResponseHeaderTimeout,
	IdleConnTimeout:       pushHTTPIdleConnTimeout,
	MaxIdleConnsPerHost:   2,
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   pushHTTPClientTimeout,
		Transport: pushHTTPTransport,
	}
}

func newRetryableHTTPClient(retryMax int) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = time.Second
	retryClient.Logger = nil
	retryClient.HTTPClient = newHTTPClient()

	return retryClient.StandardClient()
}
