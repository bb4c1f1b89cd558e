package utils

import (
	"github.com/bytedance/sonic"

	"github.com/saiset-co/sai-vary-cache/types"
)

// canonical is the encoder used for strings that end up inside Redis keys or
// set members; its output must not change between releases. Strings are not
// UTF-8 validated so that distinct byte strings never encode alike.
var canonical = sonic.Config{
	EscapeHTML:       true,
	SortMapKeys:      true,
	CompactMarshaler: true,
	CopyString:       true,
}.Froze()

func Marshal(data interface{}) ([]byte, error) {
	return sonic.ConfigDefault.Marshal(data)
}

func MarshalIndent(data interface{}) ([]byte, error) {
	return sonic.ConfigDefault.MarshalIndent(data, "", "  ")
}

func Unmarshal[T any](data []byte, target *T) error {
	return sonic.ConfigDefault.Unmarshal(data, target)
}

func MarshalCanonical(data interface{}) (string, error) {
	return canonical.MarshalToString(data)
}

func UnmarshalCanonical[T any](data string, target *T) error {
	return canonical.UnmarshalFromString(data, target)
}

func UnmarshalConfig[T any](config interface{}, target *T) error {
	if config == nil {
		return types.ErrConfigIsNil
	}

	if typed, ok := config.(*T); ok {
		*target = *typed
		return nil
	}

	configBytes, err := sonic.ConfigDefault.Marshal(config)
	if err != nil {
		return err
	}

	return sonic.ConfigDefault.Unmarshal(configBytes, target)
}
