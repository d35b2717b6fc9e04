// Package redis 提供基于 Redis 的托管账本，入账通过 Lua 脚本原子执行。
package redis
