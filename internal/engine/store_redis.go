package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisExecSeqKey  = "flowgrid:executions:seq"
	redisExecListKey = "flowgrid:executions:index"
)

// RedisStore persists executions in Redis. Each execution is a JSON document
// under its own key; node runs go to a per-execution list so appends never
// rewrite the whole record. Ids come from an INCR sequence, which keeps them
// monotonic across restarts.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis, retrying transient dial failures.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	if err := dialWithRetry(ctx, defaultDialPolicy(), ping); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping reports store reachability, for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func execKey(id int64) string      { return fmt.Sprintf("flowgrid:execution:%d", id) }
func execNodesKey(id int64) string { return fmt.Sprintf("flowgrid:execution:%d:nodes", id) }
func workflowIndexKey(workflowID string) string {
	return "flowgrid:workflow:" + workflowID + ":executions"
}
func variablesKey(scope string) string { return "flowgrid:variables:" + scope }

func (s *RedisStore) CreateExecution(ctx context.Context, exec *Execution) (int64, error) {
	id, err := s.client.Incr(ctx, redisExecSeqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate execution id: %w", err)
	}

	stored := exec.clone()
	stored.ID = id
	stored.NodeExecutions = nil
	doc, err := json.Marshal(stored)
	if err != nil {
		return 0, fmt.Errorf("marshal execution: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, execKey(id), doc, 0)
	pipe.RPush(ctx, redisExecListKey, id)
	pipe.RPush(ctx, workflowIndexKey(exec.WorkflowID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("store execution: %w", err)
	}
	return id, nil
}

func (s *RedisStore) AppendNodeExecution(ctx context.Context, executionID int64, rec NodeExecution) error {
	if err := s.ensureExists(ctx, executionID); err != nil {
		return err
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal node execution: %w", err)
	}
	if err := s.client.RPush(ctx, execNodesKey(executionID), doc).Err(); err != nil {
		return fmt.Errorf("append node execution: %w", err)
	}
	return nil
}

func (s *RedisStore) FinishExecution(ctx context.Context, executionID int64, status Status, output map[string]interface{}, errorMessage string) error {
	exec, err := s.loadRecord(ctx, executionID)
	if err != nil {
		return err
	}
	now := nowUTC()
	exec.Status = status
	exec.FinishedAt = &now
	exec.OutputData = output
	exec.ErrorMessage = errorMessage

	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	if err := s.client.Set(ctx, execKey(executionID), doc, 0).Err(); err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return nil
}

func (s *RedisStore) Execution(ctx context.Context, executionID int64) (*Execution, error) {
	exec, err := s.loadRecord(ctx, executionID)
	if err != nil {
		return nil, err
	}

	docs, err := s.client.LRange(ctx, execNodesKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load node executions: %w", err)
	}
	for _, doc := range docs {
		var rec NodeExecution
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("decode node execution: %w", err)
		}
		exec.NodeExecutions = append(exec.NodeExecutions, rec)
	}
	return exec, nil
}

func (s *RedisStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*Execution, error) {
	index := redisExecListKey
	if workflowID != "" {
		index = workflowIndexKey(workflowID)
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	// Ids are appended in creation order; read them back newest first.
	ids, err := s.client.LRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}

	var out []*Execution
	for i := len(ids) - 1; i >= 0; i-- {
		if stop >= 0 && int64(len(out)) > stop {
			break
		}
		var id int64
		if _, err := fmt.Sscanf(ids[i], "%d", &id); err != nil {
			continue
		}
		exec, err := s.loadRecord(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *RedisStore) LoadVariables(ctx context.Context, scope string) (map[string]interface{}, error) {
	entries, err := s.client.HGetAll(ctx, variablesKey(scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("load variables: %w", err)
	}
	vars := make(map[string]interface{}, len(entries))
	for name, doc := range entries {
		var value interface{}
		if err := json.Unmarshal([]byte(doc), &value); err != nil {
			return nil, fmt.Errorf("decode variable %s: %w", name, err)
		}
		vars[name] = value
	}
	return vars, nil
}

func (s *RedisStore) StoreVariable(ctx context.Context, scope, name string, value interface{}) error {
	doc, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal variable: %w", err)
	}
	if err := s.client.HSet(ctx, variablesKey(scope), name, doc).Err(); err != nil {
		return fmt.Errorf("store variable: %w", err)
	}
	return nil
}

func (s *RedisStore) ensureExists(ctx context.Context, executionID int64) error {
	n, err := s.client.Exists(ctx, execKey(executionID)).Result()
	if err != nil {
		return fmt.Errorf("check execution: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) loadRecord(ctx context.Context, executionID int64) (*Execution, error) {
	doc, err := s.client.Get(ctx, execKey(executionID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}
	var exec Execution
	if err := json.Unmarshal([]byte(doc), &exec); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	return &exec, nil
}
