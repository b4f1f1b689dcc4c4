// Package redis 提供基于 Redis 的谈判状态存储。
package redis
