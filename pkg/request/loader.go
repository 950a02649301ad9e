package request

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"go.yaml.in/yaml/v3"

	"github.com/fly-io/diskprov/pkg/errors"
)

// Fetcher downloads a request document from object storage.
type Fetcher interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

// Document is a decoded request together with where it came from.
type Document struct {
	Request *Request
	Source  string
	SHA256  string
}

// Load reads a request from a local path, "-" (stdin) or an s3://bucket/key URI.
// An empty bucket (s3:///key) lets the fetcher use its default bucket.
func Load(ctx context.Context, source string, stdin io.Reader, fetcher Fetcher) (*Document, error) {
	slog.Info("request_load_start", "source", source)

	data, err := read(ctx, source, stdin, fetcher)
	if err != nil {
		slog.Error("request_read_failed", "source", source, "error", err)
		return nil, err
	}

	req, err := Decode(data)
	if err != nil {
		slog.Error("request_decode_failed", "source", source, "error", err)
		return nil, err
	}

	sum := sha256.Sum256(data)
	doc := &Document{Request: req, Source: source, SHA256: hex.EncodeToString(sum[:])}
	slog.Info("request_loaded", "source", source, "disk", req.DiskIndex, "partitions", len(req.Partitions), "sha256", doc.SHA256[:16]+"...")
	return doc, nil
}

func read(ctx context.Context, source string, stdin io.Reader, fetcher Fetcher) ([]byte, error) {
	switch {
	case source == "-":
		data, err := io.ReadAll(stdin)
		return data, errors.Wrap(err, "failed to read request from stdin")
	case strings.HasPrefix(source, "s3://"):
		if fetcher == nil {
			return nil, fmt.Errorf("no object storage configured for %s", source)
		}
		u, err := url.Parse(source)
		if err != nil {
			return nil, errors.Wrap(err, "invalid s3 uri")
		}
		key := strings.TrimPrefix(u.Path, "/")
		if key == "" {
			return nil, fmt.Errorf("s3 uri %s has no object key", source)
		}
		data, err := fetcher.Fetch(ctx, u.Host, key)
		return data, errors.Wrap(err, "failed to fetch request")
	default:
		data, err := os.ReadFile(source)
		return data, errors.Wrap(err, "failed to read request file")
	}
}

// Decode parses a YAML or JSON request document. Unknown keys are rejected.
func Decode(data []byte) (*Request, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Invalid("malformed request document: %v", err)
	}
	if raw == nil {
		return nil, errors.Invalid("request document is empty")
	}

	var req Request
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(byteSizeHook, filesystemHook),
		Result:           &req,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request decoder")
	}
	if err := dec.Decode(raw); err != nil {
		return nil, errors.Invalid("%v", err)
	}
	return &req, nil
}

var (
	byteSizeType   = reflect.TypeOf(ByteSize(0))
	filesystemType = reflect.TypeOf(Filesystem(""))
)

func byteSizeHook(from, to reflect.Type, data any) (any, error) {
	if to != byteSizeType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return ParseByteSize(v)
	case int:
		if v < 0 {
			return nil, fmt.Errorf("size %d is negative", v)
		}
		return ByteSize(v), nil
	case int64:
		if v < 0 {
			return nil, fmt.Errorf("size %d is negative", v)
		}
		return ByteSize(v), nil
	case uint64:
		return ByteSize(v), nil
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return nil, fmt.Errorf("size %v is not a whole byte count", v)
		}
		return ByteSize(v), nil
	default:
		return data, nil
	}
}

func filesystemHook(from, to reflect.Type, data any) (any, error) {
	if to != filesystemType {
		return data, nil
	}
	s, ok := data.(string)
	if !ok {
		return data, nil
	}
	// Membership is checked by Validate so the error keeps its kind.
	return Filesystem(strings.ToLower(strings.TrimSpace(s))), nil
}
