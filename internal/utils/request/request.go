package request

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Request 共享的 HTTP 客户端，代理读取环境变量
var Request = New(10*time.Second, 3)

// New creates a resty client honouring proxy environment variables. Retries back off
// between 200ms and 2s and are attempted on transport errors and 429/5xx responses.
func New(timeout time.Duration, retries int) *resty.Client {
	return resty.New().
		SetTransport(&http.Transport{
			Proxy: http.ProxyFromEnvironment, // 通用适配环境变量
		}).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})
}
