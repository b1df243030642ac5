package library

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// S3Node reads and writes objects in S3-compatible storage. Clients are
// shared per region/endpoint across executions.
type S3Node struct {
	mu      sync.Mutex
	clients map[string]*s3.Client
}

// NewS3Node creates a new S3 node
func NewS3Node() *S3Node {
	return &S3Node{clients: make(map[string]*s3.Client)}
}

// Type returns the node type
func (n *S3Node) Type() string {
	return "s3"
}

// Metadata returns node metadata
func (n *S3Node) Metadata() runtime.Metadata {
	return runtime.Metadata{
		Type:        "s3",
		Name:        "S3",
		Description: "Upload, download, list, or delete objects",
		Category:    "storage",
		Inputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input data"},
		},
		Outputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Object data or listing"},
		},
	}
}

// Execute dispatches on the operation parameter. Binary payloads travel
// base64-encoded so they fit the JSON payload model.
func (n *S3Node) Execute(ctx context.Context, in *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	bucket := runtime.StringParam(in.Parameters, "bucket", "")
	if bucket == "" {
		return nil, runtime.ConfigError("bucket is required", nil)
	}

	client, err := n.client(ctx, in.Parameters)
	if err != nil {
		return nil, runtime.ConfigError("building s3 client failed", err)
	}

	switch op := runtime.StringParam(in.Parameters, "operation", "download"); op {
	case "upload":
		key := runtime.StringParam(in.Parameters, "key", "")
		if key == "" {
			return nil, runtime.ConfigError("key is required for upload", nil)
		}
		body, err := uploadBody(in.Parameters)
		if err != nil {
			return nil, err
		}
		put := &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(body),
		}
		if ct := runtime.StringParam(in.Parameters, "contentType", ""); ct != "" {
			put.ContentType = aws.String(ct)
		}
		if _, err := client.PutObject(ctx, put); err != nil {
			return nil, classifyS3Error(ctx, err)
		}
		return runtime.MainOutput(map[string]interface{}{
			"bucket": bucket, "key": key, "size": len(body),
		}), nil

	case "download":
		key := runtime.StringParam(in.Parameters, "key", "")
		if key == "" {
			return nil, runtime.ConfigError("key is required for download", nil)
		}
		obj, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, classifyS3Error(ctx, err)
		}
		defer obj.Body.Close()
		data, err := io.ReadAll(obj.Body)
		if err != nil {
			return nil, runtime.TransientError("reading object failed", err)
		}
		return runtime.MainOutput(map[string]interface{}{
			"bucket":      bucket,
			"key":         key,
			"size":        len(data),
			"contentType": aws.ToString(obj.ContentType),
			"content":     base64.StdEncoding.EncodeToString(data),
		}), nil

	case "list":
		list := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
		if prefix := runtime.StringParam(in.Parameters, "prefix", ""); prefix != "" {
			list.Prefix = aws.String(prefix)
		}
		if max := runtime.IntParam(in.Parameters, "maxKeys", 0); max > 0 {
			list.MaxKeys = aws.Int32(int32(max))
		}
		out, err := client.ListObjectsV2(ctx, list)
		if err != nil {
			return nil, classifyS3Error(ctx, err)
		}
		objects := make([]interface{}, 0, len(out.Contents))
		for _, obj := range out.Contents {
			objects = append(objects, map[string]interface{}{
				"key":          aws.ToString(obj.Key),
				"size":         aws.ToInt64(obj.Size),
				"lastModified": aws.ToTime(obj.LastModified),
			})
		}
		return runtime.MainOutput(map[string]interface{}{
			"bucket": bucket, "objects": objects, "count": len(objects),
		}), nil

	case "delete":
		key := runtime.StringParam(in.Parameters, "key", "")
		if key == "" {
			return nil, runtime.ConfigError("key is required for delete", nil)
		}
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}); err != nil {
			return nil, classifyS3Error(ctx, err)
		}
		return runtime.MainOutput(map[string]interface{}{
			"bucket": bucket, "key": key, "deleted": true,
		}), nil

	default:
		return nil, runtime.ConfigError("operation must be upload, download, list, or delete", nil)
	}
}

func (n *S3Node) client(ctx context.Context, params map[string]interface{}) (*s3.Client, error) {
	region := runtime.StringParam(params, "region", "us-east-1")
	endpoint := runtime.StringParam(params, "endpoint", "")
	accessKey := runtime.StringParam(params, "accessKeyId", "")
	secretKey := runtime.StringParam(params, "secretAccessKey", "")

	cacheKey := region + "|" + endpoint + "|" + accessKey
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.clients[cacheKey]; ok {
		return c, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	c := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	n.clients[cacheKey] = c
	return c, nil
}

// uploadBody accepts either a plain string or base64 content.
func uploadBody(params map[string]interface{}) ([]byte, error) {
	content := runtime.StringParam(params, "content", "")
	if runtime.StringParam(params, "encoding", "") == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, runtime.ConfigError("decoding base64 content failed", err)
		}
		return decoded, nil
	}
	return []byte(content), nil
}

func classifyS3Error(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return runtime.CancelledError("operation cancelled")
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "no such key") || strings.Contains(msg, "not found") ||
		strings.Contains(msg, "access denied") || strings.Contains(msg, "nosuchbucket") {
		return runtime.PermanentError("s3 operation rejected", err)
	}
	return runtime.TransientError("s3 operation failed", err)
}

func init() {
	runtime.Register(NewS3Node())
}
