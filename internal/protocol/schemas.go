package protocol

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	//go:embed schemas/hello.schema.json
	helloSchemaJSON string
	//go:embed schemas/edit.schema.json
	editSchemaJSON string

	helloSchema = jsonschema.MustCompileString("hello.schema.json", helloSchemaJSON)
	editSchema  = jsonschema.MustCompileString("edit.schema.json", editSchemaJSON)
)

// DecodeHello validates b against the HELLO schema before decoding.
func DecodeHello(b []byte) (HelloMsg, error) {
	var msg HelloMsg
	if err := validate(helloSchema, b); err != nil {
		return msg, err
	}
	err := json.Unmarshal(b, &msg)
	return msg, err
}

// DecodeEdit validates b against the EDIT schema before decoding.
func DecodeEdit(b []byte) (EditMsg, error) {
	var msg EditMsg
	if err := validate(editSchema, b); err != nil {
		return msg, err
	}
	err := json.Unmarshal(b, &msg)
	return msg, err
}

func validate(s *jsonschema.Schema, b []byte) error {
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("schema: %v", err)
	}
	return nil
}
