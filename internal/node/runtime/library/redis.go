package library

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// RedisNode runs key-value operations against Redis. Clients are shared per
// address across executions.
type RedisNode struct {
	mu      sync.Mutex
	clients map[string]*redis.Client
}

// NewRedisNode creates a new Redis node
func NewRedisNode() *RedisNode {
	return &RedisNode{clients: make(map[string]*redis.Client)}
}

// Type returns the node type
func (n *RedisNode) Type() string {
	return "redis"
}

// Metadata returns node metadata
func (n *RedisNode) Metadata() runtime.Metadata {
	return runtime.Metadata{
		Type:        "redis",
		Name:        "Redis",
		Description: "Get, set, delete, or increment Redis keys",
		Category:    "database",
		Inputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input data"},
		},
		Outputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Operation result"},
		},
	}
}

// Execute dispatches on the operation parameter.
func (n *RedisNode) Execute(ctx context.Context, in *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	addr := runtime.StringParam(in.Parameters, "addr", "localhost:6379")
	key := runtime.StringParam(in.Parameters, "key", "")
	if key == "" {
		return nil, runtime.ConfigError("key is required", nil)
	}

	client := n.client(
		addr,
		runtime.StringParam(in.Parameters, "password", ""),
		runtime.IntParam(in.Parameters, "db", 0),
	)

	switch op := runtime.StringParam(in.Parameters, "operation", "get"); op {
	case "get":
		val, err := client.Get(ctx, key).Result()
		if err == redis.Nil {
			return runtime.MainOutput(map[string]interface{}{
				"key": key, "value": nil, "found": false,
			}), nil
		}
		if err != nil {
			return nil, classifyRedisError(ctx, err)
		}
		return runtime.MainOutput(map[string]interface{}{
			"key": key, "value": val, "found": true,
		}), nil

	case "set":
		value, ok := in.Parameters["value"]
		if !ok {
			return nil, runtime.ConfigError("value is required for set", nil)
		}
		ttl := runtime.DurationParam(in.Parameters, "ttl", 0)
		if err := client.Set(ctx, key, value, ttl).Err(); err != nil {
			return nil, classifyRedisError(ctx, err)
		}
		return runtime.MainOutput(map[string]interface{}{
			"key": key, "stored": true,
		}), nil

	case "delete":
		deleted, err := client.Del(ctx, key).Result()
		if err != nil {
			return nil, classifyRedisError(ctx, err)
		}
		return runtime.MainOutput(map[string]interface{}{
			"key": key, "deleted": deleted,
		}), nil

	case "incr":
		by := runtime.IntParam(in.Parameters, "by", 1)
		val, err := client.IncrBy(ctx, key, int64(by)).Result()
		if err != nil {
			return nil, classifyRedisError(ctx, err)
		}
		return runtime.MainOutput(map[string]interface{}{
			"key": key, "value": val,
		}), nil

	default:
		return nil, runtime.ConfigError("operation must be get, set, delete, or incr", nil)
	}
}

func (n *RedisNode) client(addr, password string, db int) *redis.Client {
	cacheKey := addr + "/" + password
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.clients[cacheKey]; ok {
		return c
	}
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	n.clients[cacheKey] = c
	return c
}

func classifyRedisError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return runtime.CancelledError("operation cancelled")
	}
	return runtime.TransientError("redis operation failed", err)
}

func init() {
	runtime.Register(NewRedisNode())
}
