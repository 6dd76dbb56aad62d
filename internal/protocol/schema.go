package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	connect *jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		req, err := jsonschema.CompileString("request_frame", requestFrameSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.request = req

		connect, err := jsonschema.CompileString("connect_params", connectParamsSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.connect = connect
	})
	return schemas.initErr
}

func validateRequestFrame(raw []byte) error {
	if err := initSchemas(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schemas.request.Validate(payload)
}

// ValidateConnectParams checks the connect params payload against its
// schema before the auth resolver sees it.
func ValidateConnectParams(params json.RawMessage) error {
	if err := initSchemas(); err != nil {
		return err
	}
	if len(params) == 0 {
		return fmt.Errorf("connect params required")
	}
	var payload any
	if err := json.Unmarshal(params, &payload); err != nil {
		return err
	}
	return schemas.connect.Validate(payload)
}

const requestFrameSchema = `{
  "type": "object",
  "required": ["id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const connectParamsSchema = `{
  "type": "object",
  "required": ["minProtocol", "maxProtocol", "client"],
  "properties": {
    "minProtocol": { "type": "integer", "minimum": 1 },
    "maxProtocol": { "type": "integer", "minimum": 1 },
    "client": {
      "type": "object",
      "required": ["id", "version", "platform"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "version": { "type": "string", "minLength": 1 },
        "platform": { "type": "string", "minLength": 1 },
        "mode": { "type": "string" },
        "name": { "type": "string" }
      },
      "additionalProperties": true
    },
    "role": { "enum": ["operator", "node"] },
    "scopes": {
      "type": ["array", "null"],
      "items": { "type": "string" }
    },
    "device": {
      "type": ["object", "null"],
      "required": ["id", "publicKey", "signature", "signedAt", "nonce"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "publicKey": { "type": "string", "minLength": 1 },
        "signature": { "type": "string", "minLength": 1 },
        "signedAt": { "type": "integer" },
        "nonce": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": true
    },
    "auth": {
      "type": ["object", "null"],
      "properties": {
        "token": { "type": "string" },
        "password": { "type": "string" }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`
