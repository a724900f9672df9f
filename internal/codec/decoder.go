package codec

import (
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"streamsync/internal/broker"
	"streamsync/internal/domain"
)

// PayloadField is the reserved entry field carrying a single serialized
// document. Entries without it are decoded field-by-field (legacy format).
const PayloadField = "payload"

// Codec decodes one opaque serialized blob into a structured document.
type Codec interface {
	Decode(data []byte) (map[string]interface{}, error)
}

// Msgpack is the default wire codec.
type Msgpack struct{}

func (Msgpack) Decode(data []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("msgpack decode: %w", err)
	}
	return doc, nil
}

// Kind tags the result of decoding one loose field.
type Kind int

const (
	KindText Kind = iota
	KindDocument
	KindRawBytes
)

// FieldValue is the tagged variant produced by the legacy per-field fallback
// chain: UTF-8 text first, then the codec, then raw bytes.
type FieldValue struct {
	Kind Kind
	Text string
	Doc  map[string]interface{}
	Raw  []byte
}

// Normalize collapses the variant into a plain document value. Raw bytes get
// a best-effort textual representation so decoding never fails outright.
func (v FieldValue) Normalize() interface{} {
	switch v.Kind {
	case KindDocument:
		return v.Doc
	case KindRawBytes:
		return fmt.Sprintf("0x%x", v.Raw)
	default:
		return v.Text
	}
}

// Decoder normalizes heterogeneous stream entries into Task records.
type Decoder struct {
	codec Codec
}

func NewDecoder(c Codec) *Decoder {
	if c == nil {
		c = Msgpack{}
	}
	return &Decoder{codec: c}
}

// Entry decodes one raw stream entry into a Task. Only a corrupt canonical
// payload blob yields an error; the caller skips that entry and keeps going.
func (d *Decoder) Entry(queue string, e broker.Entry) (domain.Task, error) {
	var doc map[string]interface{}
	if raw, ok := e.Values[PayloadField]; ok {
		decoded, err := d.codec.Decode(fieldBytes(raw))
		if err != nil {
			return domain.Task{}, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		doc = decoded
	} else {
		doc = make(map[string]interface{}, len(e.Values))
		for field, raw := range e.Values {
			doc[field] = d.decodeField(raw).Normalize()
		}
	}

	task := domain.Task{
		ID:         e.ID,
		QueueName:  queue,
		TaskName:   taskName(doc),
		Payload:    doc,
		Priority:   intField(doc, "priority"),
		RetryCount: intField(doc, "retry_count"),
		MaxRetry:   intField(doc, "max_retry"),
		Status:     domain.StatusPending,
		CreatedAt:  triggerTime(e.ID, doc),
	}
	if meta, ok := doc["metadata"].(map[string]interface{}); ok {
		task.Metadata = meta
	}
	return task, nil
}

// decodeField runs the ordered fallback chain on one loose field value.
func (d *Decoder) decodeField(raw interface{}) FieldValue {
	b := fieldBytes(raw)
	if utf8.Valid(b) {
		return FieldValue{Kind: KindText, Text: string(b)}
	}
	if doc, err := d.codec.Decode(b); err == nil {
		return FieldValue{Kind: KindDocument, Doc: doc}
	}
	return FieldValue{Kind: KindRawBytes, Raw: b}
}

func fieldBytes(raw interface{}) []byte {
	switch v := raw.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return []byte(fmt.Sprint(v))
	}
}

func taskName(doc map[string]interface{}) string {
	if name := stringField(doc, "name"); name != "" {
		return name
	}
	if name := stringField(doc, "task"); name != "" {
		return name
	}
	return "unknown"
}

func stringField(doc map[string]interface{}, field string) string {
	if s, ok := doc[field].(string); ok {
		return s
	}
	return ""
}

func intField(doc map[string]interface{}, field string) int {
	n, ok := numericValue(doc[field])
	if !ok {
		return 0
	}
	return int(n)
}

// numericValue flattens the integer widths the codec may hand back, plus
// numeric text from the legacy format.
func numericValue(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// triggerTime derives created_at from the event's trigger_time unix
// timestamp. Absent or malformed values yield nil rather than an error.
func triggerTime(entryID string, doc map[string]interface{}) *time.Time {
	raw, ok := doc["trigger_time"]
	if !ok || raw == nil {
		return nil
	}
	secs, ok := numericValue(raw)
	if !ok {
		log.Warn().Str("entry_id", entryID).Interface("trigger_time", raw).Msg("malformed trigger_time, leaving created_at unset")
		return nil
	}
	if secs <= 0 {
		log.Warn().Str("entry_id", entryID).Float64("trigger_time", secs).Msg("malformed trigger_time, leaving created_at unset")
		return nil
	}
	t := time.Unix(int64(secs), 0).UTC()
	return &t
}
