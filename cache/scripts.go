package cache

import (
	_ "embed"

	"github.com/redis/go-redis/v9"
)

var (
	//go:embed lua/cleanup_resource.lua
	cleanupResourceSource string

	//go:embed lua/delete_resource.lua
	deleteResourceSource string
)

// Scripts are sent with EVALSHA and fall back to EVAL on NOSCRIPT.
var (
	cleanupResourceScript = redis.NewScript(cleanupResourceSource)
	deleteResourceScript  = redis.NewScript(deleteResourceSource)
)
