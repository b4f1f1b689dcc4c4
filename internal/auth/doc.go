// Package auth 为运维 HTTP 接口提供静态 bearer token 认证与按方法的权限校验。
package auth
