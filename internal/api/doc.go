// Package api 暴露交换代理的运维 HTTP 接口：提交对手方消息、查看谈判与托管状态、
// 请求取消托管，以及 Prometheus 指标与健康检查。
package api
