package library

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// MongoDBNode runs document operations against MongoDB. Clients are shared
// per URI across executions.
type MongoDBNode struct {
	mu      sync.Mutex
	clients map[string]*mongo.Client
}

// NewMongoDBNode creates a new MongoDB node
func NewMongoDBNode() *MongoDBNode {
	return &MongoDBNode{clients: make(map[string]*mongo.Client)}
}

// Type returns the node type
func (n *MongoDBNode) Type() string {
	return "mongodb"
}

// Metadata returns node metadata
func (n *MongoDBNode) Metadata() runtime.Metadata {
	return runtime.Metadata{
		Type:        "mongodb",
		Name:        "MongoDB",
		Description: "Find, insert, update, or delete documents",
		Category:    "database",
		Inputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input data"},
		},
		Outputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Documents or operation counts"},
		},
	}
}

// Execute dispatches on the operation parameter. Filters and documents are
// plain maps from the resolved parameters.
func (n *MongoDBNode) Execute(ctx context.Context, in *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	uri := runtime.StringParam(in.Parameters, "uri", "")
	database := runtime.StringParam(in.Parameters, "database", "")
	collName := runtime.StringParam(in.Parameters, "collection", "")
	if uri == "" || database == "" || collName == "" {
		return nil, runtime.ConfigError("uri, database, and collection are required", nil)
	}

	client, err := n.client(ctx, uri)
	if err != nil {
		return nil, runtime.TransientError("connecting to mongodb failed", err)
	}
	coll := client.Database(database).Collection(collName)

	filter := bson.M(runtime.MapParam(in.Parameters, "filter"))

	switch op := runtime.StringParam(in.Parameters, "operation", "find"); op {
	case "find":
		opts := options.Find()
		if limit := runtime.IntParam(in.Parameters, "limit", 0); limit > 0 {
			opts.SetLimit(int64(limit))
		}
		cursor, err := coll.Find(ctx, filter, opts)
		if err != nil {
			return nil, classifyMongoError(ctx, err)
		}
		defer cursor.Close(ctx)

		var docs []map[string]interface{}
		if err := cursor.All(ctx, &docs); err != nil {
			return nil, classifyMongoError(ctx, err)
		}
		out := make([]interface{}, len(docs))
		for i, d := range docs {
			out[i] = normalizeDocument(d)
		}
		return runtime.MainOutput(map[string]interface{}{
			"documents": out,
			"count":     len(out),
		}), nil

	case "insert":
		doc := runtime.MapParam(in.Parameters, "document")
		if len(doc) == 0 {
			return nil, runtime.ConfigError("document is required for insert", nil)
		}
		res, err := coll.InsertOne(ctx, bson.M(doc))
		if err != nil {
			return nil, classifyMongoError(ctx, err)
		}
		return runtime.MainOutput(map[string]interface{}{
			"insertedId": idString(res.InsertedID),
		}), nil

	case "update":
		update := runtime.MapParam(in.Parameters, "update")
		if len(update) == 0 {
			return nil, runtime.ConfigError("update is required for update", nil)
		}
		res, err := coll.UpdateMany(ctx, filter, bson.M{"$set": bson.M(update)})
		if err != nil {
			return nil, classifyMongoError(ctx, err)
		}
		return runtime.MainOutput(map[string]interface{}{
			"matchedCount":  res.MatchedCount,
			"modifiedCount": res.ModifiedCount,
		}), nil

	case "delete":
		res, err := coll.DeleteMany(ctx, filter)
		if err != nil {
			return nil, classifyMongoError(ctx, err)
		}
		return runtime.MainOutput(map[string]interface{}{
			"deletedCount": res.DeletedCount,
		}), nil

	default:
		return nil, runtime.ConfigError("operation must be find, insert, update, or delete", nil)
	}
}

func (n *MongoDBNode) client(ctx context.Context, uri string) (*mongo.Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.clients[uri]; ok {
		return c, nil
	}
	c, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	n.clients[uri] = c
	return c, nil
}

func classifyMongoError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return runtime.CancelledError("operation cancelled")
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return runtime.TransientError("mongodb unreachable", err)
	}
	return runtime.PermanentError("mongodb operation failed", err)
}

// normalizeDocument makes a decoded document JSON-friendly, rendering the
// object id as a hex string.
func normalizeDocument(doc map[string]interface{}) map[string]interface{} {
	if id, ok := doc["_id"]; ok {
		doc["_id"] = idString(id)
	}
	return doc
}

func idString(id interface{}) interface{} {
	type hexer interface{ Hex() string }
	if h, ok := id.(hexer); ok {
		return h.Hex()
	}
	return id
}

func init() {
	runtime.Register(NewMongoDBNode())
}
