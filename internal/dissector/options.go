package dissector

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// DecodeOptions decodes a dissector's option map into out. Values are
// converted weakly since they come straight from YAML or the environment;
// unknown keys are rejected.
func DecodeOptions(raw map[string]any, out any) error {
	if len(raw) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("invalid dissector options: %w", err)
	}
	return nil
}
