// Package mysql 提供基于 MySQL 的持久化：连接池、内置迁移以及谈判状态存储。
package mysql
