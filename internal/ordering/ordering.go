package ordering

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/snoke-ws/gateway/internal/registry"
)

// Config selects how ordering keys are derived and applied.
type Config struct {
	Strategy        string // "topic", "subject", or "" (disabled)
	TopicField      string // payload field consulted by the topic strategy
	SubjectSource   string // "subject" or "user"
	PartitionMode   string // "suffix" or "" (disabled)
	PartitionMaxLen int    // safe-key length cap; 0 disables hashing by length
}

// Service derives ordering keys and partitioned stream/routing keys.
// Derivation is deterministic: identical inputs always produce identical
// outputs, so related messages land on one physical path.
type Service struct {
	safeRe *regexp.Regexp
}

// NewService builds the ordering engine.
func NewService() *Service {
	return &Service{
		safeRe: regexp.MustCompile(`[^A-Za-z0-9._:-]`),
	}
}

// DeriveOrderingKey computes the ordering key for a payload under the
// configured strategy. The key may be empty, which disables partitioning
// for that message.
func (s *Service) DeriveOrderingKey(cfg Config, conn registry.ConnectionInfo, payload map[string]any) string {
	switch cfg.Strategy {
	case "topic":
		if v, ok := payload[cfg.TopicField]; ok {
			return scalarString(v)
		}
		if meta, ok := payload["meta"].(map[string]any); ok {
			if v, ok := meta[cfg.TopicField]; ok {
				return scalarString(v)
			}
		}
		if v, ok := payload["type"]; ok {
			return scalarString(v)
		}
		return ""
	case "subject":
		if v, ok := payload["subject"]; ok {
			if val := scalarString(v); val != "" {
				return val
			}
		}
		if arr, ok := payload["subjects"].([]any); ok && len(arr) > 0 {
			if val := scalarString(arr[0]); val != "" {
				return val
			}
		}
		if cfg.SubjectSource == "subject" && len(conn.Subjects) > 0 {
			return conn.Subjects[0]
		}
		return conn.UserID
	default:
		return ""
	}
}

// ApplyPartition appends the safe form of the ordering key to the stream
// and routing key when suffix partitioning is enabled. An empty stream
// stays empty. Re-applying with the resulting key's safe form is a no-op
// on the suffix shape.
func (s *Service) ApplyPartition(cfg Config, stream, routingKey, orderingKey string) (string, string) {
	if cfg.PartitionMode != "suffix" || orderingKey == "" {
		return stream, routingKey
	}
	safeKey := s.normalizeKey(orderingKey, cfg.PartitionMaxLen)
	if safeKey == "" {
		return stream, routingKey
	}
	if stream != "" {
		stream = stream + "." + safeKey
	}
	return stream, routingKey + "." + safeKey
}

// normalizeKey produces the safe key: trim, hash when over the length cap,
// then restrict to [A-Za-z0-9._:-] with "_" substitution. An empty result
// falls back to the SHA-1 of the original input.
func (s *Service) normalizeKey(raw string, maxLen int) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return ""
	}
	if maxLen > 0 && len(key) > maxLen {
		key = sha1Hex(key)
	}
	key = s.safeRe.ReplaceAllString(key, "_")
	if key == "" {
		key = sha1Hex(raw)
	}
	return key
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// scalarString coerces a decoded JSON scalar to its natural string form:
// strings as-is, numbers in minimal decimal form, everything else empty.
func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	default:
		return ""
	}
}
