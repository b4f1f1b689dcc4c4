// Package migrations 内嵌 MySQL 建表脚本，文件名前缀即版本号。
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
