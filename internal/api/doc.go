// Package api 暴露协调器、异步任务、托管账本、流水线以及 specialist 服务的 HTTP 接口。
// 除 /api/v1/pipeline 与查询类接口外，请求与响应均为签名信封。
package api
