// Package mysql 提供基于 MySQL 的持久化实现：连接池管理、按版本补齐的表结构、托管账本与任务存储。
package mysql
