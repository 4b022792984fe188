package chain

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/util"
)

// ParseArray extracts the children of an Array or Struct item.
func ParseArray(item StackItem) ([]StackItem, error) {
	if item.Type != "Array" && item.Type != "Struct" {
		return nil, fmt.Errorf("expected Array or Struct, got %s", item.Type)
	}
	var items []StackItem
	if err := json.Unmarshal(item.Value, &items); err != nil {
		return nil, fmt.Errorf("unmarshal array: %w", err)
	}
	return items, nil
}

// ParseByteArray decodes a ByteString or Buffer. RPC servers render bytes as
// base64; hex is accepted for older nodes.
func ParseByteArray(item StackItem) ([]byte, error) {
	switch item.Type {
	case "Null", "Any":
		return nil, nil
	case "ByteString", "Buffer":
	default:
		return nil, fmt.Errorf("unexpected type: %s", item.Type)
	}
	var value string
	if err := json.Unmarshal(item.Value, &value); err != nil {
		return nil, err
	}
	if b, err := base64.StdEncoding.DecodeString(value); err == nil {
		return b, nil
	}
	return hex.DecodeString(value)
}

// ParseString decodes a ByteString as UTF-8 text.
func ParseString(item StackItem) (string, error) {
	b, err := ParseByteArray(item)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseHash160 decodes a 20-byte ByteString into the usual 0x-prefixed form.
func ParseHash160(item StackItem) (string, error) {
	b, err := ParseByteArray(item)
	if err != nil {
		return "", err
	}
	h, err := util.Uint160DecodeBytesBE(b)
	if err != nil {
		return "", err
	}
	return "0x" + h.StringLE(), nil
}

// ParseInteger decodes an Integer item. Booleans decode as 0 or 1.
func ParseInteger(item StackItem) (*big.Int, error) {
	switch item.Type {
	case "Integer":
		value := strings.Trim(string(item.Value), `"`)
		n, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", value)
		}
		return n, nil
	case "Boolean":
		b, err := ParseBoolean(item)
		if err != nil {
			return nil, err
		}
		if b {
			return big.NewInt(1), nil
		}
		return new(big.Int), nil
	default:
		return nil, fmt.Errorf("unexpected type: %s", item.Type)
	}
}

// ParseBoolean decodes a Boolean item. Integers are truthy when non-zero.
func ParseBoolean(item StackItem) (bool, error) {
	switch item.Type {
	case "Boolean":
		var value bool
		if err := json.Unmarshal(item.Value, &value); err != nil {
			return false, err
		}
		return value, nil
	case "Integer":
		n, err := ParseInteger(item)
		if err != nil {
			return false, err
		}
		return n.Sign() != 0, nil
	default:
		return false, fmt.Errorf("unexpected type: %s", item.Type)
	}
}
