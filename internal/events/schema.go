package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrUnknownType   = errors.New("unknown event type")
	ErrSchema        = errors.New("event does not conform to schema")
	ErrVersion       = errors.New("unsupported event version")
	ErrOrderMismatch = errors.New("envelope order_id does not match payload")
)

const schemaEnvelope = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["event_id", "event_type", "event_version", "occurred_at", "order_id", "payload"],
  "properties": {
    "event_id": { "type": "string", "minLength": 1 },
    "event_type": { "type": "string", "minLength": 1 },
    "event_version": { "type": "integer", "minimum": 1 },
    "occurred_at": { "type": "string", "format": "date-time" },
    "producer": { "type": "string" },
    "order_id": { "type": "string", "minLength": 1 },
    "correlation_id": { "type": "string" },
    "payload": { "type": "object" }
  }
}`

const defItems = `"items": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["product_id", "qty", "unit_price_cents"],
        "properties": {
          "product_id": { "type": "string", "minLength": 1 },
          "qty": { "type": "integer", "minimum": 1 },
          "unit_price_cents": { "type": "integer", "minimum": 0 }
        }
      }
    }`

var schemaInitiated = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["order_id", "payment_id", "user_id", "items", "amount_cents", "currency"],
  "properties": {
    "order_id": { "type": "string", "minLength": 1 },
    "payment_id": { "type": "string", "minLength": 1 },
    "user_id": { "type": "string", "minLength": 1 },
    ` + defItems + `,
    "amount_cents": { "type": "integer", "minimum": 0 },
    "currency": { "type": "string", "minLength": 3, "maxLength": 3 }
  }
}`

const schemaCompleted = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["order_id", "payment_id", "transaction_id", "amount_cents"],
  "properties": {
    "order_id": { "type": "string", "minLength": 1 },
    "payment_id": { "type": "string", "minLength": 1 },
    "transaction_id": { "type": "string", "minLength": 1 },
    "amount_cents": { "type": "integer", "minimum": 0 }
  }
}`

var schemaFailed = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["order_id", "payment_id", "items", "reason"],
  "properties": {
    "order_id": { "type": "string", "minLength": 1 },
    "payment_id": { "type": "string", "minLength": 1 },
    ` + defItems + `,
    "reason": { "type": "string", "minLength": 1 }
  }
}`

const schemaStockInsufficient = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["order_id", "reason"],
  "properties": {
    "order_id": { "type": "string", "minLength": 1 },
    "reason": { "type": "string", "minLength": 1 },
    "details": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["product_id", "required", "available"],
        "properties": {
          "product_id": { "type": "string" },
          "required": { "type": "integer" },
          "available": { "type": "integer" }
        }
      }
    }
  }
}`

var (
	envelopeSchema = mustSchema(schemaEnvelope)
	payloadSchemas = map[string]*gojsonschema.Schema{
		TypePaymentInitiated:  mustSchema(schemaInitiated),
		TypePaymentCompleted:  mustSchema(schemaCompleted),
		TypePaymentFailed:     mustSchema(schemaFailed),
		TypeStockInsufficient: mustSchema(schemaStockInsufficient),
	}
)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("compile event schema: %v", err))
	}
	return schema
}

func validate(schema *gojsonschema.Schema, b []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(b))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if !result.Valid() {
		var sb strings.Builder
		for i, e := range result.Errors() {
			if i > 0 {
				sb.WriteString("; ")
			}
			sb.WriteString(e.String())
		}
		return fmt.Errorf("%w: %s", ErrSchema, sb.String())
	}
	return nil
}

// Decode validates b against the envelope schema and the v1 schema of its
// event type, and returns the typed payload.
func Decode(b []byte) (Envelope, Payload, error) {
	var env Envelope
	if err := validate(envelopeSchema, b); err != nil {
		return env, nil, err
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return env, nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if env.EventVersion != Version {
		return env, nil, fmt.Errorf("%w: %s v%d", ErrVersion, env.EventType, env.EventVersion)
	}
	schema, ok := payloadSchemas[env.EventType]
	if !ok {
		return env, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.EventType)
	}
	if err := validate(schema, env.Payload); err != nil {
		return env, nil, fmt.Errorf("%s: %w", env.EventType, err)
	}

	var (
		p       Payload
		orderID string
		err     error
	)
	switch env.EventType {
	case TypePaymentInitiated:
		var v PaymentInitiated
		err = json.Unmarshal(env.Payload, &v)
		p, orderID = v, v.OrderID
	case TypePaymentCompleted:
		var v PaymentCompleted
		err = json.Unmarshal(env.Payload, &v)
		p, orderID = v, v.OrderID
	case TypePaymentFailed:
		var v PaymentFailed
		err = json.Unmarshal(env.Payload, &v)
		p, orderID = v, v.OrderID
	case TypeStockInsufficient:
		var v StockInsufficient
		err = json.Unmarshal(env.Payload, &v)
		p, orderID = v, v.OrderID
	}
	if err != nil {
		return env, nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if orderID != env.OrderID {
		return env, nil, ErrOrderMismatch
	}
	return env, p, nil
}
